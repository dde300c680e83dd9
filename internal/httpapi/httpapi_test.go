package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fwcore/internal/host"
	"fwcore/internal/storage"
	logx "fwcore/pkg/logx"
)

type fakeCtrl struct {
	mods      map[string]*host.ModuleInfo
	events    []storage.Event
	noStore   bool
	lastLimit int
}

func newFakeCtrl() *fakeCtrl {
	return &fakeCtrl{mods: map[string]*host.ModuleInfo{
		"beat": {Name: "beat", Mode: host.ModePolled, Available: true},
	}}
}

func (f *fakeCtrl) Snapshot() []host.ModuleInfo {
	out := make([]host.ModuleInfo, 0, len(f.mods))
	for _, m := range f.mods {
		out = append(out, *m)
	}
	return out
}

func (f *fakeCtrl) Info(name string) (host.ModuleInfo, error) {
	m, ok := f.mods[name]
	if !ok {
		return host.ModuleInfo{}, fmt.Errorf("%w: %s", host.ErrUnknownModule, name)
	}
	return *m, nil
}

func (f *fakeCtrl) set(name string, suspended bool) error {
	m, ok := f.mods[name]
	if !ok {
		return fmt.Errorf("%w: %s", host.ErrUnknownModule, name)
	}
	m.Suspended = suspended
	return nil
}

func (f *fakeCtrl) Suspend(name string) error { return f.set(name, true) }
func (f *fakeCtrl) Resume(name string) error  { return f.set(name, false) }

func (f *fakeCtrl) Events(_ context.Context, name string, limit int) ([]storage.Event, error) {
	if f.noStore {
		return nil, storage.ErrDisabled
	}
	if _, ok := f.mods[name]; !ok {
		return nil, host.ErrUnknownModule
	}
	f.lastLimit = limit
	return f.events, nil
}

func do(t *testing.T, h http.Handler, method, target string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestModulesListAndGet(t *testing.T) {
	h := NewRouter(newFakeCtrl(), RouterOptions{})

	rec := do(t, h, http.MethodGet, "/modules")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []host.ModuleInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "beat", list[0].Name)

	rec = do(t, h, http.MethodGet, "/modules/beat")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	rec = do(t, h, http.MethodGet, "/modules/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSuspendResume(t *testing.T) {
	ctrl := newFakeCtrl()
	h := NewRouter(ctrl, RouterOptions{})

	rec := do(t, h, http.MethodPost, "/modules/beat/suspend")
	require.Equal(t, http.StatusOK, rec.Code)
	var info host.ModuleInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.True(t, info.Suspended)

	rec = do(t, h, http.MethodPost, "/modules/beat/resume")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, ctrl.mods["beat"].Suspended)

	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/modules/beat/suspend").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/modules/nope/resume").Code)
}

func TestEvents(t *testing.T) {
	ctrl := newFakeCtrl()
	ctrl.events = []storage.Event{{ID: "1", Module: "beat", Kind: storage.KindSuspended}}
	h := NewRouter(ctrl, RouterOptions{})

	rec := do(t, h, http.MethodGet, "/modules/beat/events?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, ctrl.lastLimit)
	var evs []storage.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &evs))
	require.Len(t, evs, 1)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/modules/beat/events?limit=x").Code)

	ctrl.noStore = true
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/modules/beat/events").Code)
}

func TestTokenAuth(t *testing.T) {
	h := NewRouter(newFakeCtrl(), RouterOptions{Token: "s3cret"})

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz").Code)

	rec := do(t, h, http.MethodGet, "/modules")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/modules?token=wrong").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/modules?token=s3cret").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/modules", "Authorization", "Bearer s3cret").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/modules", "Authorization", "Basic s3cret").Code)
}

func TestTokenEqual(t *testing.T) {
	assert.True(t, tokenEqual("s3cret", "s3cret"))
	assert.False(t, tokenEqual("s3cre", "s3cret"))
	assert.False(t, tokenEqual("", "s3cret"))
	assert.False(t, tokenEqual("S3CRET", "s3cret"))
}

func TestMetricsAndPprofRoutes(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "fwcore_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	h := NewRouter(newFakeCtrl(), RouterOptions{Gatherer: reg})
	rec := do(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fwcore_test_total 1")
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/debug/pprof/").Code)

	h = NewRouter(newFakeCtrl(), RouterOptions{Pprof: true})
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/metrics").Code)
	rec = do(t, h, http.MethodGet, "/debug/pprof/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "goroutine")
}

func TestIsLoopbackAddr(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1:9464"))
	assert.True(t, isLoopbackAddr("localhost:80"))
	assert.True(t, isLoopbackAddr("[::1]:80"))
	assert.False(t, isLoopbackAddr(":9464"))
	assert.False(t, isLoopbackAddr("0.0.0.0:9464"))
	assert.False(t, isLoopbackAddr("10.0.0.1:80"))
	assert.False(t, isLoopbackAddr("garbage"))
}

func testService() *Service {
	return NewService(func(cfg Config) http.Handler {
		return NewRouter(newFakeCtrl(), RouterOptions{Token: cfg.Token})
	}, logx.Nop())
}

func TestServiceLifecycle(t *testing.T) {
	svc := testService()
	ctx := context.Background()

	svc.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	require.Eventually(t, func() bool { return svc.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + svc.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// A token change rebinds with the new handler.
	svc.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", Token: "t"})
	require.Eventually(t, func() bool { return svc.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	resp, err = http.Get("http://" + svc.Addr() + "/modules")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	svc.Reconfigure(stopCtx, Config{Enabled: false})
	assert.Nil(t, svc.Supervisor())
	assert.Empty(t, svc.Addr())
}

func TestServiceRefusesInsecureBind(t *testing.T) {
	svc := testService()
	svc.Start(context.Background())
	assert.Nil(t, svc.Supervisor(), "disabled service does not start")

	svc.Reconfigure(context.Background(), Config{Enabled: true, Addr: "0.0.0.0:0"})
	sup := svc.Supervisor()
	require.NotNil(t, sup)
	require.Eventually(t, func() bool { return sup.Err() != nil }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, sup.Err().Error(), "insecure bind")
	assert.Empty(t, svc.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	svc.Stop(ctx)
}
