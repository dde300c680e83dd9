// Package poll drives polled modules from a single goroutine.
package poll

import (
	"context"
	"sync"
	"time"

	"fwcore/internal/clock"
	logx "fwcore/pkg/logx"
)

const (
	// DefaultMaxSleep bounds a round's sleep so that a Kick is never the
	// only way out of a long suspended delay.
	DefaultMaxSleep      = time.Second
	DefaultLateThreshold = 50 * time.Millisecond
)

// Target is a polled module.
type Target interface {
	Dispatcher() time.Duration
	NextCallTime() time.Time
	Suspended() bool
}

type entry struct {
	name   string
	target Target
}

// Loop calls every target's Dispatcher once per round and sleeps until the
// earliest returned delay.
type Loop struct {
	clk      clock.Clock
	log      logx.Logger
	late     *logx.Throttle
	maxSleep time.Duration
	lateAt   time.Duration

	mu      sync.Mutex
	targets []entry
	rounds  uint64

	kick chan struct{}
}

// Option configures a Loop.
type Option func(*Loop)

func WithClock(c clock.Clock) Option { return func(l *Loop) { l.clk = c } }

func WithLogger(log logx.Logger) Option { return func(l *Loop) { l.log = log } }

// WithMaxSleep caps the sleep between rounds. Non-positive keeps the default.
func WithMaxSleep(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.maxSleep = d
		}
	}
}

// WithLateThreshold sets how late a due module may be dispatched before a
// warning is logged. Zero keeps the default.
func WithLateThreshold(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.lateAt = d
		}
	}
}

// New returns an empty loop; add targets before Run.
func New(opts ...Option) *Loop {
	l := &Loop{
		maxSleep: DefaultMaxSleep,
		lateAt:   DefaultLateThreshold,
		kick:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(l)
	}
	l.clk = clock.Or(l.clk)
	if l.log.IsZero() {
		l.log = logx.Nop()
	}
	l.log = l.log.With(logx.String("comp", "poll"))
	l.late = logx.NewThrottle(l.log, 30*time.Second, 1)
	return l
}

// Add registers a target. Targets are dispatched in insertion order.
func (l *Loop) Add(name string, t Target) {
	if t == nil {
		return
	}
	l.mu.Lock()
	l.targets = append(l.targets, entry{name: name, target: t})
	l.mu.Unlock()
}

// Len returns the number of targets.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.targets)
}

// Rounds returns how many rounds ran so far.
func (l *Loop) Rounds() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rounds
}

// Kick wakes a sleeping Run early, e.g. after a Resume.
func (l *Loop) Kick() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

// RunOnce runs one round and returns the sleep before the next one.
func (l *Loop) RunOnce() time.Duration {
	l.mu.Lock()
	targets := append([]entry(nil), l.targets...)
	l.rounds++
	l.mu.Unlock()

	sleep := l.maxSleep
	for _, e := range targets {
		l.checkLate(e)
		if d := e.target.Dispatcher(); d < sleep {
			sleep = d
		}
	}
	return max(sleep, 0)
}

func (l *Loop) checkLate(e entry) {
	next := e.target.NextCallTime()
	if next.IsZero() || e.target.Suspended() {
		return
	}
	if behind := l.clk.Now().Sub(next); behind > l.lateAt {
		l.late.Warn(e.name, "module dispatched late",
			logx.String("module", e.name),
			logx.Duration("behind", behind),
		)
	}
}

// Run loops until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Debug("poll loop started", logx.Int("targets", l.Len()), logx.Duration("max_sleep", l.maxSleep))
	defer l.log.Debug("poll loop stopped")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		sleep := l.RunOnce()
		timer := l.clk.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-l.kick:
			timer.Stop()
		case <-timer.C():
		}
	}
}
