package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"nudgebot/internal/catalog"
	"nudgebot/internal/config"
	"nudgebot/internal/dispatch"
	"nudgebot/internal/escalation"
	"nudgebot/internal/eventbus"
	"nudgebot/internal/generator"
	"nudgebot/internal/ledger"
	"nudgebot/internal/notifier"
	"nudgebot/internal/observability/httpserver"
	"nudgebot/internal/observability/metrics"
	"nudgebot/internal/pregen"
	rtsup "nudgebot/internal/runtime/supervisor"
	"nudgebot/internal/storage"
	"nudgebot/internal/task/engine"
	"nudgebot/internal/task/scheduler"
	"nudgebot/internal/transport"
	logx "nudgebot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter transport.Adapter

	engine   *engine.Service
	ledger   *ledger.Ledger
	notif    *notifier.Service
	dispatch *dispatch.Dispatcher
	pregen   *pregen.Trigger     // nil when disabled
	sweeper  *escalation.Sweeper // nil when disabled
	catalog  *catalog.Importer   // nil without scheduler.catalog_path
	sched    *scheduler.Service
	http     *httpserver.Service

	schedEnabled bool
}

type Option func(*options)

type options struct {
	adapter transport.Adapter
}

// WithTransport replaces the adapter selected by transport.driver.
func WithTransport(a transport.Adapter) Option {
	return func(o *options) { o.adapter = a }
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start or RunOnce.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateReload(cfg); err != nil {
		return nil, err
	}

	// The ops sink needs the transport, and the transport wants a logger:
	// start with no sender and attach it once the adapter exists.
	logSvc, log := logx.New(mapLoggingConfig(cfg), nil)

	ad := o.adapter
	if ad == nil {
		ad, err = newTransport(cfg, log)
		if err != nil {
			logSvc.Close()
			return nil, err
		}
	}
	logSvc.SetSender(ad)

	a := &App{
		cfgm:         cfgm,
		log:          log.With(logx.String("comp", "app")),
		logs:         logSvc,
		bus:          eventbus.New(),
		adapter:      ad,
		schedEnabled: cfg.Scheduler.Enabled,
	}
	if err := a.build(ctx, cfg, log); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, log logx.Logger) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	st, err := storage.Open(ctx, sc, log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = st
	a.log.Info("storage ready", logx.String("driver", sc.Driver))

	a.ledger = ledger.New(st, log, a.bus)
	a.engine = engine.New(mapTaskEngineConfig(cfg), log.With(logx.String("comp", "taskengine")), a.bus)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	a.notif = notifier.New(ncfg, a.adapter, log, a.bus)
	a.dispatch = dispatch.New(a.ledger, a.notif, log, dispatch.WithContentCache(st))

	deps := scheduler.Deps{
		Catalog: st,
		Ledger:  a.ledger,
		Fire:    a.dispatch,
		Engine:  a.engine,
	}

	if cfg.Pregen.IsEnabled() {
		pcfg, err := mapPregenConfig(cfg)
		if err != nil {
			return err
		}
		gen, err := generator.New(cfg.Generator.Provider, mapGeneratorConfig(cfg), log.With(logx.String("comp", "generator")))
		if err != nil {
			return err
		}
		a.pregen = pregen.New(pcfg, a.engine, gen, a.ledger, log, pregen.WithContentCache(st))
		deps.Pregen = a.pregen
	}

	if cfg.Escalation.IsEnabled() {
		sw, err := escalation.New(mapEscalationConfig(cfg), st, a.notif, log, a.bus)
		if err != nil {
			return fmt.Errorf("escalation: %w", err)
		}
		a.sweeper = sw
		deps.Sweep = sw
	}

	if p := strings.TrimSpace(cfg.Scheduler.CatalogPath); p != "" {
		a.catalog = catalog.New(p, st, log)
		deps.Sync = a.catalog
	}

	scfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	a.sched, err = scheduler.New(scfg, deps, log, a.bus)
	if err != nil {
		return err
	}

	a.http = httpserver.New(mapHTTPConfig(cfg), a.health, log)
	return nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateReload(cfg)
	})

	if err := a.adapter.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("start %s transport: %w", a.adapter.Name(), err)
	}
	a.engine.Start(a.sup.Context())

	a.sup.Go0("metrics.tasks", func(c context.Context) {
		metrics.ConsumeTaskEvents(c, a.bus)
	})

	if a.schedEnabled {
		a.sup.GoRestart("scheduler", a.sched.Run, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
		if a.catalog != nil {
			a.sup.Go("catalog.watch", func(c context.Context) error {
				return a.catalog.Watch(c, a.sched.Rescan)
			})
		}
	} else {
		a.log.Warn("scheduler disabled; no reminders will fire")
	}

	a.http.Start(a.sup.Context())

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
				if a.log.Enabled(logx.LevelDebug) {
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.String("transport", a.adapter.Name()),
		logx.Bool("scheduler", a.schedEnabled),
		logx.Bool("pregen", a.pregen != nil),
		logx.Bool("escalation", a.sweeper != nil),
	)
	return nil
}

// RunOnce performs a single scheduling pass and returns. Stop must still be
// called to release resources.
func (a *App) RunOnce(ctx context.Context) (scheduler.OnceReport, error) {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	if err := a.adapter.Start(a.sup.Context()); err != nil {
		return scheduler.OnceReport{}, fmt.Errorf("start %s transport: %w", a.adapter.Name(), err)
	}
	a.engine.Start(a.sup.Context())
	return a.sched.RunOnce(a.sup.Context())
}

// Logger is the app's root logger.
func (a *App) Logger() logx.Logger { return a.log }

// Healthy reports what /healthz reports.
func (a *App) Healthy() bool { return a.health().OK }

func (a *App) health() httpserver.Health {
	snap := a.sched.Snapshot()
	details := map[string]any{
		"scheduler": map[string]any{
			"enabled":     a.schedEnabled,
			"state":       snap.State,
			"items":       snap.Items,
			"entities":    snap.Entities,
			"fired":       snap.Fired,
			"next_wake":   snap.NextWake,
			"last_rescan": snap.LastRescan,
		},
		"transport":    a.adapter.Name(),
		"log_dropped":  a.logs.Dropped(),
		"engine_alive": a.engine.Running(),
	}
	if snap.Engine != nil {
		details["engine"] = map[string]any{
			"queue_len": snap.Engine.QueueLen,
			"queue_cap": snap.Engine.QueueCap,
			"in_flight": snap.Engine.InFlight,
			"dropped":   snap.Engine.DroppedQueueFull,
		}
	}
	if a.sup != nil {
		details["supervisor"] = a.sup.Counters()
	}
	ok := a.engine.Running()
	if a.schedEnabled && !snap.LastRescan.IsZero() {
		// A loop that has not rescanned in several intervals is wedged.
		if rescan, err := mapSchedulerConfig(a.cfgm.Get()); err == nil && time.Since(snap.LastRescan) > 5*rescan.RescanInterval {
			ok = false
		}
	}
	return httpserver.Health{OK: ok, Details: details}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStore()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		runStep(ctx, a.log, name, max, fn)
	}

	step("pregen", time.Second, func(context.Context) error {
		if a.pregen != nil {
			a.pregen.Stop()
		}
		return nil
	})
	// Fires in flight finish (or time out) before the transport goes away.
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	step("storage", time.Second, func(context.Context) error { return a.closeStore() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	st := a.store
	a.store = nil
	return st.Close()
}

// runStep runs one shutdown step with an upper bound so one component can't
// stall the whole stop. The caller's deadline is never extended.
func runStep(ctx context.Context, log logx.Logger, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if max > 0 {
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			max = time.Millisecond
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

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
			log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		// fn must honor stepCtx; if it doesn't, report when it finally returns.
		log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
