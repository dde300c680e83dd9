package config

import (
	"reflect"
	"sort"
	"strings"

	logx "fwcore/pkg/logx"
)

// Change summarizes the difference between two configs.
type Change struct {
	// Sections lists changed top-level sections.
	Sections []string
	// Fields are safe log fields; the http token is never included.
	Fields []logx.Field
	// Suspensions lists modules whose suspended flag changed.
	Suspensions []string
	// Restart lists modules that were added, removed or changed in a way
	// that only takes effect after a restart (kind, mode, task, settings).
	Restart []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// SummarizeConfigChange compares oldCfg and newCfg.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change

	if oldCfg.Logging != newCfg.Logging {
		ch.Sections = append(ch.Sections, "logging")
		ch.Fields = append(ch.Fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		ch.Sections = append(ch.Sections, "dispatch")
		ch.Fields = append(ch.Fields,
			logx.String("dispatch.suspended_delay", newCfg.Dispatch.SuspendedDelay),
			logx.String("dispatch.poll_max_sleep", newCfg.Dispatch.PollMaxSleep),
		)
	}

	names := map[string]bool{}
	for n := range oldCfg.Modules {
		names[n] = true
	}
	for n := range newCfg.Modules {
		names[n] = true
	}
	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)
	for _, n := range sorted {
		o, inOld := oldCfg.Modules[n]
		nw, inNew := newCfg.Modules[n]
		if inOld != inNew || o.IsEnabled() != nw.IsEnabled() {
			ch.Restart = append(ch.Restart, n)
			continue
		}
		if o.Suspended != nw.Suspended {
			ch.Suspensions = append(ch.Suspensions, n)
		}
		o.Suspended, nw.Suspended = false, false
		o.Enabled, nw.Enabled = nil, nil
		if !reflect.DeepEqual(o, nw) {
			ch.Restart = append(ch.Restart, n)
		}
	}
	if len(ch.Suspensions) > 0 || len(ch.Restart) > 0 {
		ch.Sections = append(ch.Sections, "modules")
		ch.Fields = append(ch.Fields,
			logx.String("modules.suspensions", strings.Join(ch.Suspensions, ",")),
			logx.String("modules.restart_needed", strings.Join(ch.Restart, ",")),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		ch.Sections = append(ch.Sections, "storage")
		ch.Fields = append(ch.Fields, logx.String("storage.driver", newCfg.Storage.Driver))
	}

	if oldCfg.HTTP != newCfg.HTTP {
		ch.Sections = append(ch.Sections, "http")
		ch.Fields = append(ch.Fields,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}
	return ch
}
