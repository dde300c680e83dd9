package config

import (
	"strings"
	"time"

	"fwcore/internal/storage"
	logx "fwcore/pkg/logx"
)

// Config is the whole configuration file. Durations are Go duration
// strings ("500ms", "10s", "24h").
type Config struct {
	Logging  LoggingConfig           `json:"logging"`
	Dispatch DispatchConfig          `json:"dispatch"`
	Modules  map[string]ModuleConfig `json:"modules"`
	Storage  StorageConfig           `json:"storage"`
	HTTP     HTTPConfig              `json:"http"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	Format  string        `json:"format,omitempty"` // pretty | json
	File    LogFileConfig `json:"file"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// DispatchConfig holds host-wide dispatch defaults.
//
// Defaults:
//   - suspended_delay: "24h"
//   - poll_max_sleep: "1s"
//   - late_threshold: "50ms"
//   - timezone: local time
type DispatchConfig struct {
	SuspendedDelay string `json:"suspended_delay,omitempty"`
	PollMaxSleep   string `json:"poll_max_sleep,omitempty"`
	LateThreshold  string `json:"late_threshold,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
}

// ModuleConfig describes one module. The map key is the module name; Kind
// defaults to the name.
type ModuleConfig struct {
	Kind    string `json:"kind,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
	// Mode is "polled" (default) or "task".
	Mode           string     `json:"mode,omitempty"`
	Suspended      bool       `json:"suspended,omitempty"`
	SuspendedDelay string     `json:"suspended_delay,omitempty"`
	Task           TaskConfig `json:"task,omitempty"`

	// Kind specific settings.
	Schedule string   `json:"schedule,omitempty"` // heartbeat
	Interval string   `json:"interval,omitempty"` // unitwatch, netprobe
	Timeout  string   `json:"timeout,omitempty"`  // netprobe
	Units    []string `json:"units,omitempty"`    // unitwatch
}

// TaskConfig is only used in task mode.
type TaskConfig struct {
	Name      string `json:"name,omitempty"`
	StackSize int    `json:"stack_size,omitempty"`
	Priority  int    `json:"priority,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // none | file | sqlite
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxEvents   int    `json:"max_events,omitempty"`
}

// HTTPConfig configures the control and metrics endpoint. Without a token
// it only binds to loopback unless allow_insecure is set.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
}

const (
	DefaultSuspendedDelay = 24 * time.Hour
	DefaultPollMaxSleep   = time.Second
	DefaultLateThreshold  = 50 * time.Millisecond
	DefaultHTTPAddr       = "127.0.0.1:9464"
)

// Module kinds.
const (
	KindHeartbeat = "heartbeat"
	KindWatchdog  = "watchdog"
	KindUnitWatch = "unitwatch"
	KindNetProbe  = "netprobe"
)

var knownKinds = map[string]bool{KindHeartbeat: true, KindWatchdog: true, KindUnitWatch: true, KindNetProbe: true}

func (m ModuleConfig) IsEnabled() bool { return m.Enabled == nil || *m.Enabled }

// KindOr returns the module kind, defaulting to name.
func (m ModuleConfig) KindOr(name string) string {
	if k := strings.ToLower(strings.TrimSpace(m.Kind)); k != "" {
		return k
	}
	return strings.ToLower(name)
}

// Suspensions returns the configured suspended flag of every enabled module.
func (c *Config) Suspensions() map[string]bool {
	out := map[string]bool{}
	if c == nil {
		return out
	}
	for name, m := range c.Modules {
		if m.IsEnabled() {
			out[name] = m.Suspended
		}
	}
	return out
}

// Dispatch is DispatchConfig with defaults applied.
type Dispatch struct {
	SuspendedDelay time.Duration
	PollMaxSleep   time.Duration
	LateThreshold  time.Duration
	Location       *time.Location
}

func (d DispatchConfig) Resolve() (Dispatch, error) {
	var (
		out Dispatch
		err error
	)
	if out.SuspendedDelay, err = ParseDurationOrDefault("dispatch.suspended_delay", d.SuspendedDelay, DefaultSuspendedDelay); err != nil {
		return Dispatch{}, err
	}
	if out.PollMaxSleep, err = ParseDurationOrDefault("dispatch.poll_max_sleep", d.PollMaxSleep, DefaultPollMaxSleep); err != nil {
		return Dispatch{}, err
	}
	if out.LateThreshold, err = ParseDurationOrDefault("dispatch.late_threshold", d.LateThreshold, DefaultLateThreshold); err != nil {
		return Dispatch{}, err
	}
	out.Location = time.Local
	if tz := strings.TrimSpace(d.Timezone); tz != "" {
		if out.Location, err = time.LoadLocation(tz); err != nil {
			return Dispatch{}, err
		}
	}
	return out, nil
}

// ToLogx maps the logging section onto the logger service config.
func (l LoggingConfig) ToLogx() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console || !l.File.Enabled,
		Format:  l.Format,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
	}
}

// ToStorage maps the storage section onto the storage config.
func (s StorageConfig) ToStorage() (storage.Config, error) {
	bt, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: s.Driver, Path: s.Path, BusyTimeout: bt, MaxEvents: s.MaxEvents}, nil
}
