// Package netprobe measures uplink latency to the nearest speedtest.net
// server. The module is unavailable while the network cannot reach any
// server; a full bandwidth test is out of scope for a periodic probe.
package netprobe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"

	"fwcore/internal/module"
	logx "fwcore/pkg/logx"
)

const (
	DefaultInterval = 5 * time.Minute
	DefaultTimeout  = 20 * time.Second
	// Candidates is how many of the nearest servers are pinged.
	Candidates = 3
)

// Sample is one latency measurement.
type Sample struct {
	At      time.Time     `json:"at"`
	Server  string        `json:"server"`
	Country string        `json:"country"`
	Latency time.Duration `json:"latency"`
	Jitter  time.Duration `json:"jitter"`
}

// Prober runs one measurement.
type Prober interface {
	Probe(ctx context.Context) (Sample, error)
}

// Speedtest probes through speedtest-go. The server list is fetched once
// and refreshed after a failed probe.
type Speedtest struct {
	client  *st.Speedtest
	servers st.Servers
}

func NewSpeedtest() *Speedtest { return &Speedtest{client: st.New()} }

func (s *Speedtest) Probe(ctx context.Context) (Sample, error) {
	if len(s.servers) == 0 {
		servers, err := s.client.FetchServerListContext(ctx)
		if err != nil {
			return Sample{}, fmt.Errorf("fetch server list: %w", err)
		}
		if a := servers.Available(); a != nil {
			servers = *a
		}
		sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
		if len(servers) > Candidates {
			servers = servers[:Candidates]
		}
		s.servers = servers
	}

	var best *st.Server
	for _, srv := range s.servers {
		if err := srv.PingTestContext(ctx, nil); err != nil || srv.Latency <= 0 {
			continue
		}
		if best == nil || srv.Latency < best.Latency {
			best = srv
		}
	}
	if best == nil {
		s.servers = nil
		return Sample{}, errors.New("no server answered")
	}
	return Sample{
		At:      time.Now(),
		Server:  best.Sponsor,
		Country: best.Country,
		Latency: best.Latency,
		Jitter:  best.Jitter,
	}, nil
}

type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	Prober   Prober
	Logger   logx.Logger
}

type Worker struct {
	interval time.Duration
	timeout  time.Duration
	prober   Prober
	log      logx.Logger
	ctl      module.Controls

	mu   sync.Mutex
	last Sample
	errs int
}

func New(cfg Config) *Worker {
	w := &Worker{interval: cfg.Interval, timeout: cfg.Timeout, prober: cfg.Prober, log: cfg.Logger}
	if w.interval <= 0 {
		w.interval = DefaultInterval
	}
	if w.timeout <= 0 {
		w.timeout = DefaultTimeout
	}
	if w.prober == nil {
		w.prober = NewSpeedtest()
	}
	if w.log.IsZero() {
		w.log = logx.Nop()
	}
	return w
}

func (w *Worker) Attach(c module.Controls) { w.ctl = c }

func (w *Worker) Dispatch() time.Duration {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	s, err := w.prober.Probe(ctx)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.errs++
		w.ctl.SetAvailability(false)
		w.log.Warn("latency probe failed", logx.Int("consecutive", w.errs), logx.Err(err))
		// Back off up to four intervals while the link is down.
		return w.interval * time.Duration(min(w.errs, 4))
	}
	w.errs = 0
	w.last = s
	w.ctl.SetAvailability(true)
	w.log.Info("latency probe",
		logx.String("server", s.Server),
		logx.Duration("latency", s.Latency),
		logx.Duration("jitter", s.Jitter),
	)
	return w.interval
}

// Last returns the most recent successful sample.
func (w *Worker) Last() (Sample, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last, !w.last.At.IsZero()
}
