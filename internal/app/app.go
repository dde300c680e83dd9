package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"fwcore/internal/clock"
	"fwcore/internal/config"
	"fwcore/internal/eventbus"
	"fwcore/internal/host"
	"fwcore/internal/httpapi"
	"fwcore/internal/metrics"
	"fwcore/internal/module"
	"fwcore/internal/runtime/supervisor"
	"fwcore/internal/storage"
	"fwcore/internal/taskrt"
	logx "fwcore/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	boot  string

	host    *host.Host
	workers map[string]module.Worker
	reg     *prometheus.Registry
	http    *httpapi.Service
}

type Option func(*options)

type options struct {
	registry Registry
	clock    clock.Clock
}

// WithRegistry replaces the module kinds known to the app.
func WithRegistry(r Registry) Option { return func(o *options) { o.registry = r } }

func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// New loads the config and builds every enabled module. Nothing runs until
// Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	o := options{registry: DefaultRegistry()}
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(cfg.Logging.ToLogx())
	log = log.With(logx.String("comp", "app"))

	d, err := cfg.Dispatch.Resolve()
	if err != nil {
		return nil, err
	}
	sc, err := cfg.Storage.ToStorage()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     eventbus.New(),
		store:   store,
		boot:    uuid.NewString(),
		workers: map[string]module.Worker{},
	}
	a.host = host.New(host.Options{
		Clock:          o.clock,
		Logger:         log,
		Bus:            a.bus,
		Store:          store,
		BootID:         a.boot,
		SuspendedDelay: d.SuspendedDelay,
		PollMaxSleep:   d.PollMaxSleep,
		LateThreshold:  d.LateThreshold,
	})

	if err := a.addModules(cfg, o, d.Location); err != nil {
		a.closeWorkers()
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}

	a.reg = metrics.NewRegistry(a.host, a.bus)
	a.http = httpapi.NewService(func(c httpapi.Config) http.Handler {
		return httpapi.NewRouter(a.host, httpapi.RouterOptions{
			Token:    c.Token,
			Pprof:    c.Pprof,
			Gatherer: a.reg,
			Log:      a.log.With(logx.String("comp", "http")),
		})
	}, log)
	return a, nil
}

func (a *App) addModules(cfg *config.Config, o options, loc *time.Location) error {
	names := make([]string, 0, len(cfg.Modules))
	for n := range cfg.Modules {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, name := range names {
		mc := cfg.Modules[name]
		if !mc.IsEnabled() {
			a.log.Debug("module disabled", logx.String("module", name))
			continue
		}
		spec, err := moduleSpec(name, mc)
		if err != nil {
			return err
		}
		w, err := o.registry.Build(name, mc, Deps{
			Logger:   a.log.With(logx.String("comp", "module"), logx.String("module", name)),
			Clock:    o.clock,
			Location: loc,
		})
		if err != nil {
			return err
		}
		a.workers[name] = w
		if err := a.host.Add(name, w, spec); err != nil {
			return err
		}
	}
	return nil
}

func moduleSpec(name string, mc config.ModuleConfig) (host.Spec, error) {
	mode, err := host.ParseMode(mc.Mode)
	if err != nil {
		return host.Spec{}, fmt.Errorf("modules.%s.mode: %w", name, err)
	}
	delay, err := config.ParseDurationField("modules."+name+".suspended_delay", mc.SuspendedDelay)
	if err != nil {
		return host.Spec{}, err
	}
	spec := host.Spec{
		Mode:           mode,
		Suspended:      mc.Suspended,
		SuspendedDelay: delay,
	}
	if mode == host.ModeTask {
		spec.Task = taskrt.Config{
			Name:      strings.TrimSpace(mc.Task.Name),
			StackSize: mc.Task.StackSize,
			Priority:  mc.Task.Priority,
		}
	}
	return spec, nil
}

func (a *App) Host() *host.Host { return a.host }

func (a *App) BootID() string { return a.boot }

// HTTPAddr is the bound address of the control endpoint, empty when off.
func (a *App) HTTPAddr() string { return a.http.Addr() }

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	if err := a.host.Start(a.sup.Context()); err != nil {
		return err
	}

	cfg := a.cfgm.Get()
	if hc, err := httpConfig(cfg.HTTP); err != nil {
		a.log.Warn("invalid http config; endpoint disabled", logx.Err(err))
	} else {
		a.http.Reconfigure(a.sup.Context(), hc)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event",
					logx.String("type", e.Type),
					logx.String("module", e.Module),
					logx.Time("time", e.Time),
				)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub, cfg)
	})

	// Watch errors (fsnotify channels closed) are not fatal.
	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second),
	)

	a.log.Info("app started",
		logx.String("boot_id", a.boot),
		logx.Int("modules", len(a.workers)),
		logx.String("config", a.cfgm.Path()),
	)
	return nil
}

func httpConfig(h config.HTTPConfig) (httpapi.Config, error) {
	rt, err := config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	// pprof profile and trace stream for up to 30s by default.
	wt, err := config.ParseDurationOrDefault("http.write_timeout", h.WriteTimeout, time.Minute)
	if err != nil {
		return httpapi.Config{}, err
	}
	addr := strings.TrimSpace(h.Addr)
	if addr == "" {
		addr = config.DefaultHTTPAddr
	}
	return httpapi.Config{
		Enabled:       h.Enabled,
		Addr:          addr,
		Token:         strings.TrimSpace(h.Token),
		Pprof:         h.Pprof,
		AllowInsecure: h.AllowInsecure,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
	}, nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeWorkers()
		if a.store != nil {
			_ = a.store.Close()
		}
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	a.step(ctx, "http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "host", 3*time.Second, a.host.Stop)
	a.step(ctx, "modules", time.Second, func(context.Context) error { a.closeWorkers(); return nil })
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max and the caller's deadline.
// fn must honor its context; a late finish is only logged.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name),
				logx.Duration("took", time.Since(start)),
				logx.Err(err),
			)
		}()
	}
}

func (a *App) closeWorkers() {
	for _, w := range a.workers {
		if c, ok := w.(interface{ Close() }); ok {
			c.Close()
		}
	}
}
