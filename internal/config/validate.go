package config

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"fwcore/internal/schedule"
)

// Validate reports every problem found in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", "pretty", "json":
	default:
		add(fmt.Errorf("logging.format: want pretty or json, got %q", cfg.Logging.Format))
	}

	_, err := cfg.Dispatch.Resolve()
	add(err)

	names := make([]string, 0, len(cfg.Modules))
	for name := range cfg.Modules {
		names = append(names, name)
	}
	sort.Strings(names)
	tasks := map[string]string{}
	for _, name := range names {
		m := cfg.Modules[name]
		if !m.IsEnabled() {
			continue
		}
		for _, err := range validateModule(name, m) {
			add(err)
		}
		if IsTaskMode(m.Mode) {
			tn := m.Task.Name
			if tn == "" {
				tn = name
			}
			if other, dup := tasks[tn]; dup {
				add(fmt.Errorf("modules.%s.task.name: %q already used by %s", name, tn, other))
			}
			tasks[tn] = name
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "none":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path: required for driver " + cfg.Storage.Driver))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if cfg.Storage.MaxEvents < 0 {
		add(errors.New("storage.max_events: must be >= 0"))
	}
	_, err = cfg.Storage.ToStorage()
	add(err)

	if cfg.HTTP.Enabled {
		addr := cfg.HTTP.Addr
		if addr == "" {
			addr = DefaultHTTPAddr
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			add(fmt.Errorf("http.addr: %w", err))
		}
		_, err := ParseDurationField("http.read_timeout", cfg.HTTP.ReadTimeout)
		add(err)
		_, err = ParseDurationField("http.write_timeout", cfg.HTTP.WriteTimeout)
		add(err)
	}
	return errors.Join(errs...)
}

func validateModule(name string, m ModuleConfig) []error {
	var errs []error
	p := "modules." + name
	kind := m.KindOr(name)
	if !knownKinds[kind] {
		errs = append(errs, fmt.Errorf("%s.kind: unknown kind %q", p, kind))
	}
	switch strings.ToLower(strings.TrimSpace(m.Mode)) {
	case "", "polled", "poll", "task", "rtos":
	default:
		errs = append(errs, fmt.Errorf("%s.mode: want polled or task, got %q", p, m.Mode))
	}
	if m.Task.StackSize < 0 {
		errs = append(errs, fmt.Errorf("%s.task.stack_size: must be >= 0", p))
	}
	if _, err := ParseDurationField(p+".suspended_delay", m.SuspendedDelay); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField(p+".interval", m.Interval); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField(p+".timeout", m.Timeout); err != nil {
		errs = append(errs, err)
	}
	if m.Schedule != "" {
		if _, err := schedule.Parse(m.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("%s.schedule: %w", p, err))
		}
	}
	if kind == KindUnitWatch && len(m.Units) == 0 {
		errs = append(errs, fmt.Errorf("%s.units: at least one unit required", p))
	}
	return errs
}

// IsTaskMode reports whether mode selects a task-bound module.
func IsTaskMode(mode string) bool {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "task", "rtos":
		return true
	}
	return false
}
