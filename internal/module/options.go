package module

import (
	"time"

	"fwcore/internal/clock"
	"fwcore/internal/taskrt"
	logx "fwcore/pkg/logx"
)

// Option configures New and NewTask.
type Option func(*options)

type options struct {
	clk            clock.Clock
	log            logx.Logger
	suspendedDelay time.Duration
	onAvailability func(bool)
	rt             taskrt.Runtime
	taskCfg        taskrt.Config
}

// WithClock sets the time source; the system clock by default.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clk = c }
}

// WithLogger sets the logger used for task binding errors.
func WithLogger(log logx.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithTask binds the module to a task created by rt during New.
func WithTask(rt taskrt.Runtime, cfg taskrt.Config) Option {
	return func(o *options) {
		o.rt = rt
		o.taskCfg = cfg
	}
}

// WithSuspendedDelay overrides DefaultSuspendedDelay. Non-positive values
// are ignored.
func WithSuspendedDelay(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.suspendedDelay = d
		}
	}
}

// WithAvailabilityHook is called whenever the worker changes availability.
func WithAvailabilityHook(fn func(available bool)) Option {
	return func(o *options) { o.onAvailability = fn }
}
