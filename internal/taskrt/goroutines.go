package taskrt

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"fwcore/internal/clock"
	"fwcore/internal/runtime/supervisor"
	logx "fwcore/pkg/logx"
)

// Goroutines runs every task in its own supervised goroutine.
type Goroutines struct {
	sup *supervisor.Supervisor
	clk clock.Clock
	log logx.Logger

	mu      sync.Mutex
	tasks   map[string]*task
	stopped bool
}

type Option func(*Goroutines)

func WithClock(c clock.Clock) Option {
	return func(g *Goroutines) { g.clk = c }
}

func WithLogger(log logx.Logger) Option {
	return func(g *Goroutines) { g.log = log }
}

// NewGoroutines returns a runtime whose tasks live until ctx is canceled or
// Stop is called.
func NewGoroutines(ctx context.Context, opts ...Option) *Goroutines {
	g := &Goroutines{tasks: map[string]*task{}}
	for _, o := range opts {
		o(g)
	}
	g.clk = clock.Or(g.clk)
	if g.log.IsZero() {
		g.log = logx.Nop()
	}
	g.log = g.log.With(logx.String("comp", "taskrt"))
	g.sup = supervisor.New(ctx, supervisor.WithLogger(g.log))
	return g
}

func (g *Goroutines) Create(cfg Config, entry Entry) (Handle, error) {
	if entry == nil {
		return nil, fmt.Errorf("taskrt: create %q: nil entry", cfg.Name)
	}
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return nil, ErrStopped
	}
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("task-%d", len(g.tasks)+1)
	}
	if _, ok := g.tasks[cfg.Name]; ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, cfg.Name)
	}
	t := newTask(cfg, g.clk)
	g.tasks[cfg.Name] = t
	g.mu.Unlock()

	g.sup.Go0("task:"+cfg.Name, func(ctx context.Context) {
		defer t.markDeleted()
		t.setState(Running)
		entry(ctx, t)
	})
	g.log.Debug("task created",
		logx.String("task", cfg.Name),
		logx.Int("stack_size", cfg.StackSize),
		logx.Int("priority", cfg.Priority),
	)
	return t, nil
}

// Tasks returns task snapshots sorted by name.
func (g *Goroutines) Tasks() []TaskInfo {
	g.mu.Lock()
	out := make([]TaskInfo, 0, len(g.tasks))
	for _, t := range g.tasks {
		out = append(out, t.info())
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Supervisor exposes goroutine stats for diagnostics.
func (g *Goroutines) Supervisor() *supervisor.Supervisor { return g.sup }

// Stop cancels every task and waits for them to return.
func (g *Goroutines) Stop(ctx context.Context) error {
	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()
	return g.sup.Stop(ctx)
}
