package host

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"fwcore/internal/taskrt"
)

var (
	ErrUnknownModule = errors.New("unknown module")
	ErrStarted       = errors.New("host already started")
	ErrDuplicate     = errors.New("duplicate module")
)

type Mode string

const (
	ModePolled Mode = "polled"
	ModeTask   Mode = "task"
)

// ParseMode accepts "polled" (default when empty) and "task".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "polled", "poll":
		return ModePolled, nil
	case "task", "rtos":
		return ModeTask, nil
	default:
		return "", fmt.Errorf("invalid mode %q (want polled or task)", s)
	}
}

// Spec describes how a module is run.
type Spec struct {
	Mode      Mode
	Task      taskrt.Config
	Suspended bool
	// SuspendedDelay overrides the host default for this module.
	SuspendedDelay time.Duration
}

// ModuleInfo is a point-in-time view of one module.
type ModuleInfo struct {
	Name         string           `json:"name"`
	Mode         Mode             `json:"mode"`
	Available    bool             `json:"available"`
	Suspended    bool             `json:"suspended"`
	DelayTime    time.Duration    `json:"delay_ns"`
	NextCallTime time.Time        `json:"next_call_time"`
	Dispatches   uint64           `json:"dispatches"`
	LastDispatch time.Time        `json:"last_dispatch"`
	LastRun      time.Duration    `json:"last_run_ns"`
	Task         *taskrt.TaskInfo `json:"task,omitempty"`
}
