package module

import (
	"context"
	"errors"

	"fwcore/internal/taskrt"
	logx "fwcore/pkg/logx"
)

var errNilRuntime = errors.New("module: nil task runtime")

// TaskInit binds the module to a new task created by rt. It is a no-op when
// the module already owns a task. A polled module that was suspended stays
// suspended once bound.
func (m *Module) TaskInit(rt taskrt.Runtime, cfg taskrt.Config) error {
	m.initMu.Lock()
	defer m.initMu.Unlock()
	if m.TaskBound() {
		return nil
	}
	if rt == nil {
		return errNilRuntime
	}

	h, err := rt.Create(cfg, m.run)
	if err != nil {
		return err
	}
	if cfg.Name == "" {
		cfg.Name = h.Name()
	}

	// The task may already be dispatching. m.suspended stays set until
	// Resume, so Dispatcher keeps returning the sentinel meanwhile.
	m.mu.Lock()
	wasSuspended := m.suspended
	if wasSuspended {
		h.Suspend()
	}
	m.task = h
	m.taskCfg = cfg
	m.mu.Unlock()

	m.log.Debug("task bound", logx.String("task", cfg.Name), logx.Bool("suspended", wasSuspended))
	return nil
}

// run is the task body: dispatch, then wait for a notification or the
// returned delay.
func (m *Module) run(ctx context.Context, h taskrt.Handle) {
	if m == nil || h == nil {
		return
	}
	for ctx.Err() == nil {
		h.Wait(ctx, m.Dispatcher())
	}
}
