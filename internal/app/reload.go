package app

import (
	"context"
	"strings"

	"fwcore/internal/config"
	"fwcore/internal/eventbus"
	logx "fwcore/pkg/logx"
)

// reloadLoop applies committed configs. Logging, suspension flags and the
// http endpoint change live; everything else is reported as needing a
// restart.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config, last *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			if next == nil {
				continue
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	ch := config.SummarizeConfigChange(prev, next)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Debug("config change summary", fields...)

	for _, s := range ch.Sections {
		switch s {
		case "logging":
			a.logs.Apply(next.Logging.ToLogx())
		case "http":
			if hc, err := httpConfig(next.HTTP); err != nil {
				a.log.Warn("invalid http config; keeping previous", logx.Err(err))
			} else {
				a.http.Reconfigure(ctx, hc)
			}
		case "dispatch", "storage":
			a.log.Warn("config section changed; restart required", logx.String("section", s))
		}
	}

	if len(ch.Suspensions) > 0 {
		if changed := a.host.ApplySuspended(next.Suspensions()); len(changed) > 0 {
			a.log.Info("module suspension updated", logx.Any("modules", changed))
		}
	}
	if len(ch.Restart) > 0 {
		a.log.Warn("module changes need a restart", logx.Any("modules", ch.Restart))
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfig, Data: ch.Sections})
	a.log.Info("config reloaded", fields...)
}
