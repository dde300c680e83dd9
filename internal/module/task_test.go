package module

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fwcore/internal/clock"
	"fwcore/internal/taskrt"
)

type fakeHandle struct {
	mu    sync.Mutex
	state taskrt.State
	calls []string
}

func (h *fakeHandle) record(c string) {
	h.mu.Lock()
	h.calls = append(h.calls, c)
	h.mu.Unlock()
}

func (h *fakeHandle) Name() string { return "fake" }
func (h *fakeHandle) Suspend() {
	h.record("suspend")
	h.mu.Lock()
	h.state = taskrt.Suspended
	h.mu.Unlock()
}
func (h *fakeHandle) Resume() {
	h.record("resume")
	h.mu.Lock()
	h.state = taskrt.Ready
	h.mu.Unlock()
}
func (h *fakeHandle) State() taskrt.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}
func (h *fakeHandle) Notify() { h.record("notify") }
func (h *fakeHandle) Wait(ctx context.Context, timeout time.Duration) bool {
	h.record("wait")
	return false
}
func (h *fakeHandle) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

// fakeRuntime hands out a fakeHandle and never runs the entry.
type fakeRuntime struct {
	h       *fakeHandle
	created int
}

func (r *fakeRuntime) Create(cfg taskrt.Config, entry taskrt.Entry) (taskrt.Handle, error) {
	r.created++
	return r.h, nil
}

func TestTaskBoundSuspendResumeDelegatesToHandle(t *testing.T) {
	h := &fakeHandle{state: taskrt.Blocked}
	rt := &fakeRuntime{h: h}
	w := &countingWorker{delay: time.Second}
	m := New(w, WithTask(rt, taskrt.Config{Name: "led"}))
	require.True(t, m.TaskBound())

	m.Suspend()
	assert.True(t, m.Suspended())
	// The engine flag is untouched in task-bound mode.
	assert.NotEqual(t, DefaultSuspendedDelay, m.Dispatcher())

	m.Resume()
	assert.False(t, m.Suspended())
	m.Resume()
	assert.Equal(t, []string{"suspend", "resume", "notify"}, h.Calls())

	cfg, ok := m.Task()
	require.True(t, ok)
	assert.Equal(t, "led", cfg.Name)
}

func TestTaskInitIsIdempotent(t *testing.T) {
	rt := &fakeRuntime{h: &fakeHandle{}}
	m := New(&countingWorker{})
	require.NoError(t, m.TaskInit(rt, taskrt.Config{Name: "a"}))
	require.NoError(t, m.TaskInit(rt, taskrt.Config{Name: "b"}))
	assert.Equal(t, 1, rt.created)

	cfg, _ := m.Task()
	assert.Equal(t, "a", cfg.Name)

	assert.Error(t, New(&countingWorker{}).TaskInit(nil, taskrt.Config{}))
}

func TestRunWithNilModuleReturnsAtOnce(t *testing.T) {
	var m *Module
	h := &fakeHandle{}
	m.run(context.Background(), h)
	assert.Empty(t, h.Calls())
}

func TestRunStopsWhenContextIsDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &countingWorker{}
	m := New(w)
	w.hook = func() {
		if w.calls.Load() == 3 {
			cancel()
		}
	}
	m.run(ctx, &fakeHandle{})
	assert.EqualValues(t, 3, w.calls.Load())
}

func newGoroutineRuntime(t *testing.T, clk clock.Clock) *taskrt.Goroutines {
	t.Helper()
	rt := taskrt.NewGoroutines(context.Background(), taskrt.WithClock(clk))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, rt.Stop(ctx))
	})
	return rt
}

func settled(t *testing.T, clk *clock.Manual, w *countingWorker, calls int32) {
	t.Helper()
	require.Eventually(t, func() bool {
		return w.calls.Load() == calls && clk.Timers() == 1
	}, 2*time.Second, time.Millisecond)
}

func TestTaskBoundLoopOnGoroutines(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	rt := newGoroutineRuntime(t, clk)
	w := &countingWorker{delay: 100 * time.Millisecond}

	m, err := NewTask(w, rt, taskrt.Config{Name: "blink", StackSize: 1024, Priority: 2}, WithClock(clk))
	require.NoError(t, err)
	settled(t, clk, w, 1)

	clk.Advance(100 * time.Millisecond)
	settled(t, clk, w, 2)

	m.Suspend()
	assert.True(t, m.Suspended())
	clk.Advance(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 2, w.calls.Load())

	m.Resume()
	settled(t, clk, w, 3)
	assert.False(t, m.Suspended())

	// Resume on a blocked task notifies it and forces a dispatch.
	m.Resume()
	settled(t, clk, w, 4)

	tasks := rt.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "blink", tasks[0].Name)
	assert.Equal(t, 1024, tasks[0].StackSize)
}

func TestSuspendedPolledModuleStaysSuspendedWhenBound(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	rt := newGoroutineRuntime(t, clk)
	w := &countingWorker{delay: time.Second}
	m := New(w, WithClock(clk))
	m.Suspend()

	require.NoError(t, m.TaskInit(rt, taskrt.Config{Name: "late"}))
	assert.True(t, m.Suspended())
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, w.calls.Load())

	m.Resume()
	settled(t, clk, w, 1)
}

func TestNewTaskReportsCreateError(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	rt := newGoroutineRuntime(t, clk)
	_, err := NewTask(&countingWorker{delay: time.Second}, rt, taskrt.Config{Name: "dup"}, WithClock(clk))
	require.NoError(t, err)

	_, err = NewTask(&countingWorker{}, rt, taskrt.Config{Name: "dup"}, WithClock(clk))
	assert.ErrorIs(t, err, taskrt.ErrDuplicateTask)

	m := New(&countingWorker{}, WithClock(clk), WithTask(rt, taskrt.Config{Name: "dup"}))
	assert.False(t, m.TaskBound())
}

// gatedRuntime starts each entry only once gate is closed.
type gatedRuntime struct {
	rt   taskrt.Runtime
	gate chan struct{}
}

func (g *gatedRuntime) Create(cfg taskrt.Config, entry taskrt.Entry) (taskrt.Handle, error) {
	return g.rt.Create(cfg, func(ctx context.Context, h taskrt.Handle) {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return
		}
		entry(ctx, h)
	})
}

func TestSuspendedModuleNeverDispatchesAfterBinding(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	g := &gatedRuntime{rt: newGoroutineRuntime(t, clk), gate: make(chan struct{})}
	w := &countingWorker{delay: time.Second}
	m := New(w, WithClock(clk))
	m.Suspend()

	require.NoError(t, m.TaskInit(g, taskrt.Config{Name: "gated"}))
	close(g.gate)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, w.calls.Load())
	assert.True(t, m.Suspended())
	assert.Equal(t, DefaultSuspendedDelay, m.Dispatcher())
	assert.Zero(t, w.calls.Load())

	m.Resume()
	settled(t, clk, w, 1)
	assert.False(t, m.Suspended())
}

func TestBackToBackSuspendResumeWakesTask(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	rt := newGoroutineRuntime(t, clk)
	w := &countingWorker{delay: time.Hour}
	m, err := NewTask(w, rt, taskrt.Config{Name: "blip"}, WithClock(clk))
	require.NoError(t, err)
	settled(t, clk, w, 1)

	for i := int32(2); i < 10; i++ {
		m.Suspend()
		m.Resume()
		settled(t, clk, w, i)
	}
}
