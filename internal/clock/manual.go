package clock

import (
	"sort"
	"sync"
	"time"
)

// Manual is a virtual clock. Time only moves on Advance or Set, and timers
// fire synchronously from those calls once their deadline is reached.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

// NewManual returns a virtual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// NewTimer registers a timer firing at Now()+d. A non-positive d fires
// immediately.
func (m *Manual) NewTimer(d time.Duration) Timer {
	t := &manualTimer{m: m, ch: make(chan time.Time, 1)}
	m.mu.Lock()
	t.deadline = m.now.Add(d)
	if d <= 0 {
		t.fired = true
		t.ch <- m.now
		m.mu.Unlock()
		return t
	}
	m.timers = append(m.timers, t)
	m.mu.Unlock()
	return t
}

// Advance moves the clock forward by d and fires every timer that is due.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.fireLocked()
	m.mu.Unlock()
}

// Set moves the clock to t (forward only) and fires due timers.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	if t.After(m.now) {
		m.now = t
	}
	m.fireLocked()
	m.mu.Unlock()
}

// Timers reports how many timers are pending.
func (m *Manual) Timers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (m *Manual) fireLocked() {
	sort.SliceStable(m.timers, func(i, j int) bool {
		return m.timers[i].deadline.Before(m.timers[j].deadline)
	})
	keep := m.timers[:0]
	for _, t := range m.timers {
		if t.deadline.After(m.now) {
			keep = append(keep, t)
			continue
		}
		t.fired = true
		t.ch <- m.now
	}
	for i := len(keep); i < len(m.timers); i++ {
		m.timers[i] = nil
	}
	m.timers = keep
}

func (m *Manual) remove(t *manualTimer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.fired {
		return false
	}
	for i, x := range m.timers {
		if x == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			t.fired = true
			return true
		}
	}
	return false
}

type manualTimer struct {
	m        *Manual
	ch       chan time.Time
	deadline time.Time
	fired    bool // guarded by m.mu
}

func (t *manualTimer) C() <-chan time.Time { return t.ch }
func (t *manualTimer) Stop() bool          { return t.m.remove(t) }
