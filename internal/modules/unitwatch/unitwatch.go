// Package unitwatch polls the state of systemd units over D-Bus and logs
// transitions. It is unavailable when the system bus cannot be reached.
package unitwatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"

	"fwcore/internal/module"
	logx "fwcore/pkg/logx"
)

const (
	DefaultInterval = 30 * time.Second
	callTimeout     = 5 * time.Second
)

// UnitState is the part of a unit's status that is tracked.
type UnitState struct {
	Name        string `json:"name"`
	LoadState   string `json:"load_state"`
	ActiveState string `json:"active_state"`
	SubState    string `json:"sub_state"`
}

// Lister queries unit states.
type Lister interface {
	ListUnits(ctx context.Context, names []string) ([]UnitState, error)
	Close()
}

type busLister struct{ conn *dbus.Conn }

// DialSystemBus connects to the systemd manager on the system bus.
func DialSystemBus(ctx context.Context) (Lister, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, err
	}
	return &busLister{conn: conn}, nil
}

func (b *busLister) ListUnits(ctx context.Context, names []string) ([]UnitState, error) {
	units, err := b.conn.ListUnitsByNamesContext(ctx, names)
	if err != nil {
		return nil, err
	}
	out := make([]UnitState, 0, len(units))
	for _, u := range units {
		out = append(out, UnitState{Name: u.Name, LoadState: u.LoadState, ActiveState: u.ActiveState, SubState: u.SubState})
	}
	return out, nil
}

func (b *busLister) Close() { b.conn.Close() }

type Config struct {
	Units    []string
	Interval time.Duration
	// Dial defaults to DialSystemBus.
	Dial   func(ctx context.Context) (Lister, error)
	Logger logx.Logger
}

type Worker struct {
	units    []string
	interval time.Duration
	dial     func(ctx context.Context) (Lister, error)
	log      logx.Logger
	ctl      module.Controls

	mu     sync.Mutex
	lister Lister
	states map[string]UnitState
}

func New(cfg Config) (*Worker, error) {
	units := make([]string, 0, len(cfg.Units))
	for _, u := range cfg.Units {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if !strings.Contains(u, ".") {
			u += ".service"
		}
		units = append(units, u)
	}
	if len(units) == 0 {
		return nil, fmt.Errorf("unitwatch: at least one unit required")
	}
	sort.Strings(units)

	w := &Worker{
		units:    units,
		interval: cfg.Interval,
		dial:     cfg.Dial,
		log:      cfg.Logger,
		states:   map[string]UnitState{},
	}
	if w.interval <= 0 {
		w.interval = DefaultInterval
	}
	if w.dial == nil {
		w.dial = DialSystemBus
	}
	if w.log.IsZero() {
		w.log = logx.Nop()
	}
	return w, nil
}

func (w *Worker) Attach(c module.Controls) { w.ctl = c }

func (w *Worker) Dispatch() time.Duration {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.lister == nil {
		l, err := w.dial(ctx)
		if err != nil {
			w.log.Warn("system bus unavailable", logx.Err(err))
			w.ctl.SetAvailability(false)
			return w.interval
		}
		w.lister = l
	}

	units, err := w.lister.ListUnits(ctx, w.units)
	if err != nil {
		w.log.Warn("list units failed", logx.Err(err))
		w.lister.Close()
		w.lister = nil
		w.ctl.SetAvailability(false)
		return w.interval
	}
	w.ctl.SetAvailability(true)

	for _, u := range units {
		prev, seen := w.states[u.Name]
		w.states[u.Name] = u
		if seen && prev.ActiveState == u.ActiveState && prev.SubState == u.SubState {
			continue
		}
		fields := []logx.Field{
			logx.String("unit", u.Name),
			logx.String("active", u.ActiveState),
			logx.String("sub", u.SubState),
		}
		if seen {
			fields = append(fields, logx.String("was", prev.ActiveState))
		}
		if u.ActiveState == "failed" {
			w.log.Warn("unit state", fields...)
		} else {
			w.log.Info("unit state", fields...)
		}
	}
	return w.interval
}

// States returns the last observed states sorted by unit name.
func (w *Worker) States() []UnitState {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]UnitState, 0, len(w.states))
	for _, s := range w.states {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close releases the bus connection.
func (w *Worker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lister != nil {
		w.lister.Close()
		w.lister = nil
	}
}
