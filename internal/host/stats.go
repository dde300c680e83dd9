package host

import (
	"sync"
	"time"

	"fwcore/internal/clock"
	"fwcore/internal/module"
)

// statsWorker counts worker calls without the engine knowing about it.
type statsWorker struct {
	inner module.Worker
	clk   clock.Clock

	mu           sync.Mutex
	dispatches   uint64
	lastDispatch time.Time
	lastRun      time.Duration
}

func (s *statsWorker) Dispatch() time.Duration {
	start := s.clk.Now()
	d := s.inner.Dispatch()
	run := s.clk.Now().Sub(start)

	s.mu.Lock()
	s.dispatches++
	s.lastDispatch = start
	s.lastRun = run
	s.mu.Unlock()
	return d
}

func (s *statsWorker) Attach(c module.Controls) {
	if a, ok := s.inner.(module.Attacher); ok {
		a.Attach(c)
	}
}

func (s *statsWorker) snapshot() (uint64, time.Time, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatches, s.lastDispatch, s.lastRun
}
