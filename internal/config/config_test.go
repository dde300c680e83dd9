package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
logging:
  level: debug
  console: true
dispatch:
  suspended_delay: 12h
  timezone: UTC
modules:
  heartbeat:
    schedule: "*/5 * * * *"
  watchdog:
    mode: task
    task:
      stack_size: 2048
      priority: 3
  services:
    kind: unitwatch
    units: [ssh, nginx]
    suspended: true
  probe:
    kind: netprobe
    enabled: false
storage:
  driver: sqlite
  path: /var/lib/fwcore/events.db
http:
  enabled: true
  addr: 127.0.0.1:9464
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestParseYAML(t *testing.T) {
	cfg, err := ParseBytes("fwcore.yaml", []byte(sample))
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "debug", cfg.Logging.Level)
	require.Len(t, cfg.Modules, 4)
	assert.Equal(t, 2048, cfg.Modules["watchdog"].Task.StackSize)
	assert.True(t, IsTaskMode(cfg.Modules["watchdog"].Mode))
	assert.Equal(t, KindUnitWatch, cfg.Modules["services"].KindOr("services"))
	assert.Equal(t, KindHeartbeat, cfg.Modules["heartbeat"].KindOr("heartbeat"))
	assert.False(t, cfg.Modules["probe"].IsEnabled())
	assert.Equal(t, map[string]bool{"heartbeat": false, "watchdog": false, "services": true}, cfg.Suspensions())

	d, err := cfg.Dispatch.Resolve()
	require.NoError(t, err)
	assert.Equal(t, 12*time.Hour, d.SuspendedDelay)
	assert.Equal(t, DefaultPollMaxSleep, d.PollMaxSleep)
	assert.Equal(t, "UTC", d.Location.String())
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	_, err := ParseBytes("c.yaml", []byte("logging:\n  colour: true\n"))
	assert.Error(t, err)

	_, err = ParseBytes("c.json", []byte(`{"logging":{}} {"x":1}`))
	assert.Error(t, err)

	cfg, err := ParseBytes("c.yml", []byte(""))
	require.NoError(t, err)
	assert.NoError(t, Validate(cfg))
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := &Config{
		Logging:  LoggingConfig{Level: "loud"},
		Dispatch: DispatchConfig{PollMaxSleep: "soon"},
		Modules: map[string]ModuleConfig{
			"a":    {Kind: "toaster"},
			"b":    {Kind: KindHeartbeat, Mode: "isr", Schedule: "never"},
			"c":    {Kind: KindUnitWatch, Mode: "task", Task: TaskConfig{Name: "shared"}},
			"d":    {Kind: KindWatchdog, Mode: "task", Task: TaskConfig{Name: "shared"}},
			"gone": {Kind: "toaster", Enabled: new(bool)},
		},
		Storage: StorageConfig{Driver: "file"},
		HTTP:    HTTPConfig{Enabled: true, Addr: "nope"},
	}
	err := Validate(cfg)
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"logging.level", "dispatch.poll_max_sleep", "modules.a.kind", "modules.b.mode",
		"modules.b.schedule", "modules.c.units", "modules.d.task.name", "storage.path", "http.addr",
	} {
		assert.Contains(t, msg, want)
	}
	assert.NotContains(t, msg, "modules.gone")
}

func TestSummarizeConfigChange(t *testing.T) {
	old, err := ParseBytes("a.yaml", []byte(sample))
	require.NoError(t, err)
	nw, err := ParseBytes("a.yaml", []byte(sample))
	require.NoError(t, err)
	assert.True(t, SummarizeConfigChange(old, nw).Empty())

	svc := nw.Modules["services"]
	svc.Suspended = false
	nw.Modules["services"] = svc
	hb := nw.Modules["heartbeat"]
	hb.Mode = "task"
	nw.Modules["heartbeat"] = hb
	nw.HTTP.Token = "secret"

	ch := SummarizeConfigChange(old, nw)
	assert.Equal(t, []string{"modules", "http"}, ch.Sections)
	assert.Equal(t, []string{"services"}, ch.Suspensions)
	assert.Equal(t, []string{"heartbeat"}, ch.Restart)
}

func TestManagerLoadAndWatch(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "fwcore.yaml", sample)

	m := NewConfigManager(path)
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	time.Sleep(50 * time.Millisecond)

	// Invalid versions are never published.
	writeFile(t, dir, "fwcore.yaml", sample+"\nbogus: 1\n")
	select {
	case <-ch:
		t.Fatalf("invalid config was published")
	case <-time.After(600 * time.Millisecond):
	}

	writeFile(t, dir, "fwcore.yaml", sample+"\n  # trailing comment\n")
	writeFile(t, dir, "fwcore.yaml", strings.Replace(sample, "modules:\n", "modules:\n  extra:\n    kind: heartbeat\n    schedule: 10s\n", 1))
	select {
	case got := <-ch:
		assert.Contains(t, got.Modules, "extra")
		assert.Same(t, got, m.Get())
	case <-time.After(3 * time.Second):
		t.Fatalf("reload not published")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestPublishKeepsNewest(t *testing.T) {
	m := NewConfigManager("unused.yaml")
	ch := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	assert.Same(t, b, <-ch)
	m.Unsubscribe(ch)
	_, ok := <-ch
	assert.False(t, ok)
}
