// Package host owns the set of modules of a process: it builds them from
// their specs, drives polled modules from a single poll loop, binds
// task-bound modules to the goroutine task runtime and records suspend,
// resume and availability changes on the event bus and in storage.
package host

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"fwcore/internal/clock"
	"fwcore/internal/eventbus"
	"fwcore/internal/module"
	"fwcore/internal/poll"
	"fwcore/internal/runtime/supervisor"
	"fwcore/internal/storage"
	"fwcore/internal/taskrt"
	logx "fwcore/pkg/logx"
)

type Options struct {
	Clock  clock.Clock
	Logger logx.Logger
	Bus    eventbus.Bus
	Store  storage.Store
	BootID string

	SuspendedDelay time.Duration
	PollMaxSleep   time.Duration
	LateThreshold  time.Duration
}

type entry struct {
	name  string
	spec  Spec
	mod   *module.Module
	stats *statsWorker
}

type Host struct {
	clk   clock.Clock
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	boot  string
	opts  Options

	mu      sync.Mutex
	mods    map[string]*entry
	order   []string
	started bool
	loop    *poll.Loop
	rt      *taskrt.Goroutines
	sup     *supervisor.Supervisor
}

func New(opts Options) *Host {
	h := &Host{
		clk:   clock.Or(opts.Clock),
		log:   opts.Logger,
		bus:   opts.Bus,
		store: opts.Store,
		boot:  opts.BootID,
		opts:  opts,
		mods:  map[string]*entry{},
	}
	if h.log.IsZero() {
		h.log = logx.Nop()
	}
	h.log = h.log.With(logx.String("comp", "host"))
	if h.bus == nil {
		h.bus = eventbus.New()
	}
	h.loop = poll.New(
		poll.WithClock(h.clk),
		poll.WithLogger(h.log),
		poll.WithMaxSleep(opts.PollMaxSleep),
		poll.WithLateThreshold(opts.LateThreshold),
	)
	return h
}

// Add registers a module. Task-bound modules get their task in Start.
func (h *Host) Add(name string, w module.Worker, spec Spec) error {
	if name == "" {
		return errors.New("module name required")
	}
	if spec.Mode == "" {
		spec.Mode = ModePolled
	}
	if spec.Mode != ModePolled && spec.Mode != ModeTask {
		return fmt.Errorf("module %s: invalid mode %q", name, spec.Mode)
	}
	if spec.Mode == ModeTask && spec.Task.Name == "" {
		spec.Task.Name = name
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return ErrStarted
	}
	if _, ok := h.mods[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}

	delay := spec.SuspendedDelay
	if delay <= 0 {
		delay = h.opts.SuspendedDelay
	}
	sw := &statsWorker{inner: w, clk: h.clk}
	if w == nil {
		sw.inner = module.WorkerFunc(func() time.Duration { return module.DefaultSuspendedDelay })
	}
	mod := module.New(sw,
		module.WithClock(h.clk),
		module.WithLogger(h.log.With(logx.String("module", name))),
		module.WithSuspendedDelay(delay),
		module.WithAvailabilityHook(func(v bool) {
			h.record(name, storage.KindAvailability, eventbus.TypeAvailability, strconv.FormatBool(v))
		}),
	)
	if spec.Suspended {
		mod.Suspend()
	}

	h.mods[name] = &entry{name: name, spec: spec, mod: mod, stats: sw}
	h.order = append(h.order, name)
	return nil
}

// Start binds task-bound modules and starts the poll loop.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return ErrStarted
	}
	h.started = true
	h.sup = supervisor.New(ctx, supervisor.WithLogger(h.log))
	h.rt = taskrt.NewGoroutines(ctx, taskrt.WithClock(h.clk), taskrt.WithLogger(h.log))
	entries := h.entriesLocked()
	h.mu.Unlock()

	for _, e := range entries {
		switch e.spec.Mode {
		case ModeTask:
			if err := e.mod.TaskInit(h.rt, e.spec.Task); err != nil {
				return fmt.Errorf("module %s: %w", e.name, err)
			}
		default:
			h.loop.Add(e.name, e.mod)
		}
		h.record(e.name, storage.KindStarted, eventbus.TypeStarted, string(e.spec.Mode))
	}
	if h.loop.Len() > 0 {
		h.sup.Go("poll", h.loop.Run)
	}
	h.log.Info("host started",
		logx.Int("modules", len(entries)),
		logx.Int("polled", h.loop.Len()),
		logx.Int("tasks", len(entries)-h.loop.Len()),
	)
	return nil
}

// Stop stops the poll loop and every task. In-flight worker calls are
// waited for until ctx is done.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	sup, rt := h.sup, h.rt
	entries := h.entriesLocked()
	h.mu.Unlock()
	if sup == nil {
		return nil
	}

	var errs []error
	if err := sup.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("poll loop: %w", err))
	}
	if err := rt.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("task runtime: %w", err))
	}
	for _, e := range entries {
		h.record(e.name, storage.KindStopped, eventbus.TypeStopped, "")
	}
	return errors.Join(errs...)
}

func (h *Host) Suspend(name string) error {
	e, err := h.lookup(name)
	if err != nil {
		return err
	}
	e.mod.Suspend()
	h.record(name, storage.KindSuspended, eventbus.TypeSuspended, "")
	return nil
}

func (h *Host) Resume(name string) error {
	e, err := h.lookup(name)
	if err != nil {
		return err
	}
	e.mod.Resume()
	if !e.mod.TaskBound() {
		h.loop.Kick()
	}
	h.record(name, storage.KindResumed, eventbus.TypeResumed, "")
	return nil
}

// ApplySuspended suspends or resumes modules to match want. Unknown names
// are ignored. It returns the names whose state changed.
func (h *Host) ApplySuspended(want map[string]bool) []string {
	var changed []string
	for _, name := range h.Names() {
		v, ok := want[name]
		if !ok {
			continue
		}
		e, _ := h.lookup(name)
		if e.mod.Suspended() == v {
			continue
		}
		if v {
			_ = h.Suspend(name)
		} else {
			_ = h.Resume(name)
		}
		changed = append(changed, name)
	}
	return changed
}

// Module returns the engine of a module.
func (h *Host) Module(name string) (*module.Module, error) {
	e, err := h.lookup(name)
	if err != nil {
		return nil, err
	}
	return e.mod, nil
}

// Names returns module names in registration order.
func (h *Host) Names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.order...)
}

func (h *Host) Info(name string) (ModuleInfo, error) {
	e, err := h.lookup(name)
	if err != nil {
		return ModuleInfo{}, err
	}
	return h.info(e, h.taskInfos()), nil
}

func (h *Host) Snapshot() []ModuleInfo {
	h.mu.Lock()
	entries := h.entriesLocked()
	h.mu.Unlock()

	tasks := h.taskInfos()
	out := make([]ModuleInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, h.info(e, tasks))
	}
	return out
}

// Events returns the most recent stored events of a module.
func (h *Host) Events(ctx context.Context, name string, limit int) ([]storage.Event, error) {
	if _, err := h.lookup(name); err != nil {
		return nil, err
	}
	if h.store == nil {
		return nil, storage.ErrDisabled
	}
	return h.store.RecentEvents(ctx, name, limit)
}

// Supervisor returns the poll loop supervisor, nil before Start.
func (h *Host) Supervisor() *supervisor.Supervisor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sup
}

// PollRounds returns the number of poll rounds run so far.
func (h *Host) PollRounds() uint64 { return h.loop.Rounds() }

func (h *Host) info(e *entry, tasks map[string]taskrt.TaskInfo) ModuleInfo {
	n, last, run := e.stats.snapshot()
	mi := ModuleInfo{
		Name:         e.name,
		Mode:         e.spec.Mode,
		Available:    e.mod.IsAvailable(),
		Suspended:    e.mod.Suspended(),
		DelayTime:    e.mod.DelayTime(),
		NextCallTime: e.mod.NextCallTime(),
		Dispatches:   n,
		LastDispatch: last,
		LastRun:      run,
	}
	if cfg, ok := e.mod.Task(); ok {
		if ti, ok := tasks[cfg.Name]; ok {
			mi.Task = &ti
		}
	}
	return mi
}

func (h *Host) taskInfos() map[string]taskrt.TaskInfo {
	h.mu.Lock()
	rt := h.rt
	h.mu.Unlock()
	if rt == nil {
		return nil
	}
	out := map[string]taskrt.TaskInfo{}
	for _, ti := range rt.Tasks() {
		out[ti.Name] = ti
	}
	return out
}

func (h *Host) entriesLocked() []*entry {
	out := make([]*entry, 0, len(h.order))
	for _, name := range h.order {
		out = append(out, h.mods[name])
	}
	return out
}

func (h *Host) lookup(name string) (*entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.mods[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, name)
	}
	return e, nil
}

func (h *Host) record(name, kind, typ, detail string) {
	h.bus.Publish(eventbus.Event{Type: typ, Module: name, Time: h.clk.Now(), Data: detail})
	h.log.Debug("module event", logx.String("module", name), logx.String("kind", kind), logx.String("detail", detail))
	if h.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := h.store.AppendEvent(ctx, storage.Event{
		At:     h.clk.Now(),
		Boot:   h.boot,
		Module: name,
		Kind:   kind,
		Detail: detail,
	})
	if err != nil {
		h.log.Warn("event not stored", logx.String("module", name), logx.String("kind", kind), logx.Err(err))
	}
}
