// Package taskrt is the task runtime used by task-bound modules: named tasks
// that can be suspended, resumed, notified and that block on a wake
// notification with a timeout.
package taskrt

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State of a task as seen by its owner.
type State int

const (
	Running State = iota
	Ready
	Blocked
	Suspended
	Deleted
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Ready:
		return "ready"
	case Blocked:
		return "blocked"
	case Suspended:
		return "suspended"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// MarshalText lets snapshots render states by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses the names written by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	for _, v := range []State{Running, Ready, Blocked, Suspended, Deleted} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("taskrt: unknown state %q", b)
}

// Config describes a task. StackSize and Priority are kept for diagnostics;
// goroutines have neither.
type Config struct {
	Name      string `json:"name"`
	StackSize int    `json:"stack_size,omitempty"`
	Priority  int    `json:"priority,omitempty"`
}

// Entry is the body of a task. It receives its own handle and returns when
// the task is done or ctx is canceled.
type Entry func(ctx context.Context, h Handle)

// Handle controls a single task.
type Handle interface {
	Name() string
	Suspend()
	Resume()
	State() State
	// Notify wakes a pending or the next Wait. Notifications do not queue.
	Notify()
	// Wait blocks until notified (true), the timeout elapses, ctx is done
	// or the task was suspended and later resumed (false).
	Wait(ctx context.Context, timeout time.Duration) bool
}

// Runtime creates tasks.
type Runtime interface {
	Create(cfg Config, entry Entry) (Handle, error)
}

var (
	ErrDuplicateTask = errors.New("taskrt: duplicate task name")
	ErrStopped       = errors.New("taskrt: runtime stopped")
)

// TaskInfo is a snapshot of one task.
type TaskInfo struct {
	Config
	State    State  `json:"state"`
	Wakes    uint64 `json:"wakes"`
	Timeouts uint64 `json:"timeouts"`
	Suspends uint64 `json:"suspends"`
}
