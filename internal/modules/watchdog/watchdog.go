// Package watchdog keeps the systemd service watchdog fed. The module is
// unavailable when the service manager did not enable a watchdog for this
// process.
package watchdog

import (
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"fwcore/internal/module"
	logx "fwcore/pkg/logx"
)

// Notifier is the sd_notify surface the watchdog needs.
type Notifier interface {
	WatchdogEnabled() (time.Duration, error)
	Notify(state string) (bool, error)
}

type systemd struct{}

func (systemd) WatchdogEnabled() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) }
func (systemd) Notify(state string) (bool, error)        { return daemon.SdNotify(false, state) }

// Systemd talks to the service manager through $NOTIFY_SOCKET.
var Systemd Notifier = systemd{}

const idleDelay = time.Hour

type Config struct {
	Notifier Notifier
	Logger   logx.Logger
}

type Worker struct {
	n      Notifier
	log    logx.Logger
	period time.Duration
	ctl    module.Controls
	pings  atomic.Uint64
	fails  atomic.Uint64
}

func New(cfg Config) *Worker {
	w := &Worker{n: cfg.Notifier, log: cfg.Logger}
	if w.n == nil {
		w.n = Systemd
	}
	if w.log.IsZero() {
		w.log = logx.Nop()
	}
	return w
}

func (w *Worker) Attach(c module.Controls) {
	w.ctl = c
	d, err := w.n.WatchdogEnabled()
	switch {
	case err != nil:
		w.log.Warn("watchdog settings unreadable", logx.Err(err))
		c.SetAvailability(false)
	case d <= 0:
		w.log.Debug("watchdog not enabled for this process")
		c.SetAvailability(false)
	default:
		w.period = d
		w.log.Info("watchdog enabled", logx.Duration("timeout", d))
	}
}

// Dispatch pings at half the watchdog timeout.
func (w *Worker) Dispatch() time.Duration {
	if w.period <= 0 {
		return idleDelay
	}
	sent, err := w.n.Notify(daemon.SdNotifyWatchdog)
	if err != nil || !sent {
		if w.fails.Add(1) == 1 {
			w.log.Warn("watchdog ping failed", logx.Bool("sent", sent), logx.Err(err))
		}
	} else {
		w.pings.Add(1)
	}
	return w.period / 2
}

func (w *Worker) Pings() uint64 { return w.pings.Load() }
