package module

import (
	"sync"
	"sync/atomic"
	"time"

	"fwcore/internal/clock"
	"fwcore/internal/taskrt"
	logx "fwcore/pkg/logx"
)

// DefaultSuspendedDelay is what Dispatcher returns for a suspended polled
// module.
const DefaultSuspendedDelay = 24 * time.Hour

// Worker does one unit of work and returns the delay until it wants to run
// again. Zero means as soon as possible.
type Worker interface {
	Dispatch() time.Duration
}

// WorkerFunc adapts a plain function to Worker.
type WorkerFunc func() time.Duration

func (f WorkerFunc) Dispatch() time.Duration { return f() }

// Attacher is implemented by workers that need to report availability.
// Attach is called once by New before any task is created.
type Attacher interface {
	Attach(c Controls)
}

// Controls are the module mutators reserved for its own worker.
type Controls struct {
	m *Module
}

// SetAvailability declares whether the module is usable at all on this
// host. It does not affect dispatching.
func (c Controls) SetAvailability(v bool) {
	if c.m == nil {
		return
	}
	if old := c.m.available.Swap(v); old != v && c.m.onAvailability != nil {
		c.m.onAvailability(v)
	}
}

// Module decides when its worker runs, either driven by a poll loop or by
// its own task.
type Module struct {
	worker         Worker
	clk            clock.Clock
	log            logx.Logger
	suspendedDelay time.Duration
	onAvailability func(bool)

	available atomic.Bool

	mu            sync.Mutex
	delay         time.Duration
	next          time.Time
	suspended     bool // polled flag; kept across TaskInit until Resume
	resumePending bool
	task          taskrt.Handle
	taskCfg       taskrt.Config

	initMu sync.Mutex
}

// New builds a module around w. Without WithTask the module is polled. If
// the task cannot be created the error is logged and the module stays
// polled; use NewTask to get the error instead.
func New(w Worker, opts ...Option) *Module {
	m, o := build(w, opts)
	if o.rt != nil {
		if err := m.TaskInit(o.rt, o.taskCfg); err != nil {
			m.log.Error("task init failed, module stays polled", logx.String("task", o.taskCfg.Name), logx.Err(err))
		}
	}
	return m
}

// NewTask builds a task-bound module and reports task creation errors.
func NewTask(w Worker, rt taskrt.Runtime, cfg taskrt.Config, opts ...Option) (*Module, error) {
	m, _ := build(w, opts)
	if err := m.TaskInit(rt, cfg); err != nil {
		return nil, err
	}
	return m, nil
}

func build(w Worker, opts []Option) (*Module, options) {
	o := options{suspendedDelay: DefaultSuspendedDelay}
	for _, fn := range opts {
		fn(&o)
	}
	if w == nil {
		w = WorkerFunc(func() time.Duration { return DefaultSuspendedDelay })
	}
	m := &Module{
		worker:         w,
		clk:            clock.Or(o.clk),
		log:            o.log,
		suspendedDelay: o.suspendedDelay,
		onAvailability: o.onAvailability,
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	m.available.Store(true)
	if a, ok := w.(Attacher); ok {
		a.Attach(Controls{m: m})
	}
	return m, o
}

// IsAvailable reports the last availability set by the worker.
func (m *Module) IsAvailable() bool { return m.available.Load() }

// DelayTime is the delay returned by the last worker call.
func (m *Module) DelayTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delay
}

// NextCallTime is when the worker is next due. Zero before the first call.
func (m *Module) NextCallTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next
}

// Dispatcher calls the worker if it is due and returns how long the caller
// should wait before calling Dispatcher again.
func (m *Module) Dispatcher() time.Duration {
	m.mu.Lock()
	if m.suspended {
		d := m.suspendedDelay
		m.mu.Unlock()
		return d
	}
	now := m.clk.Now()
	if m.delay != 0 && !m.resumePending && now.Before(m.next) {
		remaining := m.next.Sub(now)
		m.mu.Unlock()
		if remaining < 0 {
			remaining = 0
		}
		return remaining
	}
	m.resumePending = false
	m.mu.Unlock()

	d := m.worker.Dispatch()
	if d < 0 {
		d = 0
	}

	m.mu.Lock()
	m.delay = d
	m.next = m.clk.Now().Add(d)
	m.mu.Unlock()
	return d
}

// Suspend stops future worker calls until Resume. A call in progress is not
// interrupted.
func (m *Module) Suspend() {
	m.mu.Lock()
	h := m.task
	if h == nil {
		m.suspended = true
	}
	m.mu.Unlock()
	if h != nil {
		h.Suspend()
	}
}

// Resume makes the next Dispatcher call run the worker.
func (m *Module) Resume() {
	m.mu.Lock()
	m.delay = 0
	m.resumePending = true
	m.suspended = false
	h := m.task
	m.mu.Unlock()
	if h == nil {
		return
	}
	if h.State() == taskrt.Suspended {
		h.Resume()
	} else {
		h.Notify()
	}
}

// Suspended reports whether worker calls are currently held back.
func (m *Module) Suspended() bool {
	m.mu.Lock()
	h, s := m.task, m.suspended
	m.mu.Unlock()
	if s {
		return true
	}
	return h != nil && h.State() == taskrt.Suspended
}

// TaskBound reports whether the module owns a task.
func (m *Module) TaskBound() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.task != nil
}

// Task returns the bound task configuration, if any.
func (m *Module) Task() (taskrt.Config, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.taskCfg, m.task != nil
}
