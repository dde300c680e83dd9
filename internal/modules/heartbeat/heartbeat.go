// Package heartbeat logs an uptime line on a schedule.
package heartbeat

import (
	"sync/atomic"
	"time"

	"fwcore/internal/clock"
	"fwcore/internal/schedule"
	logx "fwcore/pkg/logx"
)

const DefaultSchedule = "1m"

type Config struct {
	Schedule string
	Location *time.Location
	Clock    clock.Clock
	Logger   logx.Logger
}

type Worker struct {
	spec    schedule.Spec
	loc     *time.Location
	clk     clock.Clock
	log     logx.Logger
	started time.Time
	beats   atomic.Uint64
}

func New(cfg Config) (*Worker, error) {
	raw := cfg.Schedule
	if raw == "" {
		raw = DefaultSchedule
	}
	spec, err := schedule.Parse(raw)
	if err != nil {
		return nil, err
	}
	w := &Worker{spec: spec, loc: cfg.Location, clk: clock.Or(cfg.Clock), log: cfg.Logger}
	if w.log.IsZero() {
		w.log = logx.Nop()
	}
	w.started = w.clk.Now()
	return w, nil
}

func (w *Worker) Dispatch() time.Duration {
	now := w.clk.Now()
	n := w.beats.Add(1)
	// The first call only arms the schedule.
	if n > 1 {
		w.log.Info("heartbeat",
			logx.Uint64("beat", n-1),
			logx.Duration("uptime", now.Sub(w.started).Truncate(time.Second)),
		)
	}
	return w.spec.DelayFrom(now, w.loc)
}

// Beats returns the number of heartbeat lines logged.
func (w *Worker) Beats() uint64 {
	if n := w.beats.Load(); n > 0 {
		return n - 1
	}
	return 0
}
