package app

import (
	"fmt"
	"sort"
	"time"

	"fwcore/internal/clock"
	"fwcore/internal/config"
	"fwcore/internal/module"
	"fwcore/internal/modules/heartbeat"
	"fwcore/internal/modules/netprobe"
	"fwcore/internal/modules/unitwatch"
	"fwcore/internal/modules/watchdog"
	logx "fwcore/pkg/logx"
)

// Deps are shared by every module factory.
type Deps struct {
	Logger   logx.Logger
	Clock    clock.Clock
	Location *time.Location
}

// Factory builds the worker of one configured module.
type Factory func(name string, mc config.ModuleConfig, deps Deps) (module.Worker, error)

// Registry maps module kinds to factories.
type Registry map[string]Factory

// DefaultRegistry knows the built-in module kinds.
func DefaultRegistry() Registry {
	return Registry{
		config.KindHeartbeat: newHeartbeat,
		config.KindWatchdog:  newWatchdog,
		config.KindUnitWatch: newUnitWatch,
		config.KindNetProbe:  newNetProbe,
	}
}

func (r Registry) Kinds() []string {
	out := make([]string, 0, len(r))
	for k := range r {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r Registry) Build(name string, mc config.ModuleConfig, deps Deps) (module.Worker, error) {
	kind := mc.KindOr(name)
	f, ok := r[kind]
	if !ok {
		return nil, fmt.Errorf("module %s: unknown kind %q", name, kind)
	}
	w, err := f(name, mc, deps)
	if err != nil {
		return nil, fmt.Errorf("module %s: %w", name, err)
	}
	return w, nil
}

func newHeartbeat(_ string, mc config.ModuleConfig, d Deps) (module.Worker, error) {
	return heartbeat.New(heartbeat.Config{
		Schedule: mc.Schedule,
		Location: d.Location,
		Clock:    d.Clock,
		Logger:   d.Logger,
	})
}

func newWatchdog(_ string, _ config.ModuleConfig, d Deps) (module.Worker, error) {
	return watchdog.New(watchdog.Config{Logger: d.Logger}), nil
}

func newUnitWatch(name string, mc config.ModuleConfig, d Deps) (module.Worker, error) {
	every, err := config.ParseDurationField("modules."+name+".interval", mc.Interval)
	if err != nil {
		return nil, err
	}
	return unitwatch.New(unitwatch.Config{Units: mc.Units, Interval: every, Logger: d.Logger})
}

func newNetProbe(name string, mc config.ModuleConfig, d Deps) (module.Worker, error) {
	every, err := config.ParseDurationField("modules."+name+".interval", mc.Interval)
	if err != nil {
		return nil, err
	}
	timeout, err := config.ParseDurationField("modules."+name+".timeout", mc.Timeout)
	if err != nil {
		return nil, err
	}
	return netprobe.New(netprobe.Config{Interval: every, Timeout: timeout, Logger: d.Logger}), nil
}
