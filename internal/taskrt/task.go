package taskrt

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"fwcore/internal/clock"
)

type task struct {
	cfg Config
	clk clock.Clock

	mu        sync.Mutex
	state     State
	suspended bool
	resumeCh  chan struct{} // non-nil while suspended, closed by Resume

	notify chan struct{} // binary notification
	park   chan struct{} // asks a blocked Wait to park

	wakes    atomic.Uint64
	timeouts atomic.Uint64
	suspends atomic.Uint64
}

func newTask(cfg Config, clk clock.Clock) *task {
	return &task{
		cfg:    cfg,
		clk:    clk,
		state:  Ready,
		notify: make(chan struct{}, 1),
		park:   make(chan struct{}, 1),
	}
}

func (t *task) Name() string { return t.cfg.Name }

func (t *task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *task) setState(s State) {
	t.mu.Lock()
	if !t.suspended && t.state != Deleted {
		t.state = s
	}
	t.mu.Unlock()
}

func (t *task) markDeleted() {
	t.mu.Lock()
	t.state = Deleted
	if t.resumeCh != nil {
		close(t.resumeCh)
		t.resumeCh = nil
	}
	t.suspended = false
	t.mu.Unlock()
}

func (t *task) Suspend() {
	t.mu.Lock()
	if t.suspended || t.state == Deleted {
		t.mu.Unlock()
		return
	}
	t.suspended = true
	t.state = Suspended
	t.resumeCh = make(chan struct{})
	t.mu.Unlock()
	t.suspends.Add(1)

	select {
	case t.park <- struct{}{}:
	default:
	}
}

func (t *task) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.suspended {
		return
	}
	t.suspended = false
	t.state = Ready
	close(t.resumeCh)
	t.resumeCh = nil
}

func (t *task) Notify() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// parkIfSuspended blocks while the task is suspended. It reports whether
// it parked.
func (t *task) parkIfSuspended(ctx context.Context) bool {
	t.mu.Lock()
	ch := t.resumeCh
	t.mu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case <-ctx.Done():
	case <-ch:
	}
	return true
}

// drainPark drops a park request already served by a park at the top of
// Wait.
func (t *task) drainPark() {
	select {
	case <-t.park:
	default:
	}
}

func (t *task) Wait(ctx context.Context, timeout time.Duration) bool {
	if t.parkIfSuspended(ctx) {
		t.drainPark()
		return false
	}
	if ctx.Err() != nil {
		return false
	}
	t.setState(Blocked)
	defer t.setState(Running)

	timer := t.clk.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.notify:
			t.wakes.Add(1)
			if t.parkIfSuspended(ctx) {
				return false
			}
			return true
		case <-timer.C():
			t.timeouts.Add(1)
			t.parkIfSuspended(ctx)
			return false
		case <-t.park:
			// A suspend happened while blocked. Resume may already have
			// run, so the wait ends either way.
			t.parkIfSuspended(ctx)
			return false
		}
	}
}

func (t *task) info() TaskInfo {
	return TaskInfo{
		Config:   t.cfg,
		State:    t.State(),
		Wakes:    t.wakes.Load(),
		Timeouts: t.timeouts.Load(),
		Suspends: t.suspends.Load(),
	}
}
