package logx

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// maxThrottleKeys bounds the per-key limiter map; keys are module names in
// practice, so hitting it means a caller is building keys from unbounded data.
const maxThrottleKeys = 1024

// Throttle rate-limits repetitive log lines per key.
//
// Each key gets its own token bucket (one line per interval, burst lines up
// front). Lines dropped by the limiter are counted and reported as
// "suppressed" on the next line that gets through.
type Throttle struct {
	log   Logger
	every rate.Limit
	burst int

	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	suppressed map[string]uint64
}

// NewThrottle returns a throttle allowing burst lines immediately and then
// one line per interval for each key.
func NewThrottle(log Logger, interval time.Duration, burst int) *Throttle {
	if interval <= 0 {
		interval = time.Minute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{
		log:        log,
		every:      rate.Every(interval),
		burst:      burst,
		limiters:   map[string]*rate.Limiter{},
		suppressed: map[string]uint64{},
	}
}

// Warn logs at warn level unless key exceeded its budget.
// It reports whether the line was written.
func (t *Throttle) Warn(key, msg string, fields ...Field) bool {
	return t.emit(zerolog.WarnLevel, key, msg, fields...)
}

// Info logs at info level unless key exceeded its budget.
func (t *Throttle) Info(key, msg string, fields ...Field) bool {
	return t.emit(zerolog.InfoLevel, key, msg, fields...)
}

// Suppressed returns how many lines were dropped for key since the last
// line that got through.
func (t *Throttle) Suppressed(key string) uint64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.suppressed[key]
}

func (t *Throttle) emit(level zerolog.Level, key, msg string, fields ...Field) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	lim, ok := t.limiters[key]
	if !ok {
		if len(t.limiters) >= maxThrottleKeys {
			t.limiters = map[string]*rate.Limiter{}
			t.suppressed = map[string]uint64{}
		}
		lim = rate.NewLimiter(t.every, t.burst)
		t.limiters[key] = lim
	}
	if !lim.Allow() {
		t.suppressed[key]++
		t.mu.Unlock()
		return false
	}
	dropped := t.suppressed[key]
	delete(t.suppressed, key)
	t.mu.Unlock()

	if dropped > 0 {
		fields = append(fields, Uint64("suppressed", dropped))
	}
	t.log.logSkip(level, 4, msg, fields...)
	return true
}
