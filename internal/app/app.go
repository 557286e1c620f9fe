package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"agentsched/internal/breaker"
	"agentsched/internal/config"
	"agentsched/internal/metrics"
	"agentsched/internal/observability/admin"
	"agentsched/internal/pods"
	"agentsched/internal/runtime/supervisor"
	"agentsched/internal/scheduler"
	"agentsched/internal/sharding"
	"agentsched/internal/storage"
	logx "agentsched/pkg/logx"
)

// App wires one scheduler pod: store, breaker, membership, acquisition,
// cleanups and the admin server.
type App struct {
	cfgm    *config.Manager
	cfg     *config.Config
	podID   string
	started time.Time

	sup  *supervisor.Supervisor
	log  logx.Logger
	logs *logx.Service

	promReg *prometheus.Registry
	rec     *metrics.Prometheus

	store    storage.Store
	guarded  *storage.Guarded
	cb       *breaker.Breaker
	observer *pods.Observer
	registry *scheduler.Registry
	pool     *scheduler.Pool
	acq      *scheduler.Acquisition
	zombie   *scheduler.ZombieCleanup
	orphan   *scheduler.OrphanCleanup
	triggers *triggers
	admin    *admin.Service

	connectTimeout time.Duration
	drainTimeout   time.Duration
}

type Option func(*App)

// WithStore replaces the configured store. The app still owns and closes it.
func WithStore(s storage.Store) Option { return func(a *App) { a.store = s } }

// WithLogger skips the logging service and logs to log instead.
func WithLogger(log logx.Logger) Option { return func(a *App) { a.log = log } }

// NewApp loads the config file and builds the pod. Nothing runs until Start.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	a, err := build(cfg, opts...)
	if err != nil {
		return nil, err
	}
	a.cfgm = cfgm
	return a, nil
}

// NewFromConfig builds the pod from an in-memory config. Hot reload is not
// available.
func NewFromConfig(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	if err := config.Check(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return build(cfg, opts...)
}

func build(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log.IsZero() {
		a.logs, a.log = logx.New(mapLogConfig(cfg))
	}
	log := a.log
	a.log = log.With(logx.String("comp", "app"))
	a.podID = newPodID(cfg)

	var err error
	if a.connectTimeout, err = config.DurationOr("store.connectTimeout", cfg.Store.ConnectTimeout, 30*time.Second); err != nil {
		return nil, err
	}
	if a.drainTimeout, err = config.DurationOr("executor.drainTimeout", cfg.Executor.DrainTimeout, 30*time.Second); err != nil {
		return nil, err
	}

	a.promReg = prometheus.NewRegistry()
	a.promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.rec = metrics.NewPrometheus(a.promReg)

	if a.store == nil {
		sc, err := mapStorageConfig(cfg)
		if err != nil {
			return nil, err
		}
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		a.store = st
		a.log.Info("store configured", logx.String("driver", cfg.Store.Driver))
	}
	a.cb = breaker.New(mapBreakerConfig(cfg),
		breaker.WithRecorder(a.rec),
		breaker.WithLogger(log.With(logx.String("comp", "breaker"))),
	)
	a.guarded = storage.NewGuarded(a.store, a.cb)

	strategy, err := sharding.StrategyByName(cfg.Sharding.Strategy)
	if err != nil {
		return nil, err
	}
	keys, err := sharding.ExtractorByName(cfg.Sharding.Key)
	if err != nil {
		return nil, err
	}
	a.observer = pods.New(mapPodsConfig(cfg, a.podID), a.guarded, strategy, keys, a.rec,
		log.With(logx.String("comp", "pods")))

	a.pool = scheduler.NewPool(cfg.Executor.Workers, cfg.Executor.QueueSize,
		scheduler.WithHeapLimit(cfg.Executor.HeapLimitMb<<20),
		scheduler.WithPoolLogger(log.With(logx.String("comp", "executor"))),
	)
	a.registry = scheduler.NewRegistry()
	if err := a.registry.SetPatterns(cfg.EnabledPattern, cfg.DisabledPattern); err != nil {
		return nil, err
	}
	a.acq = scheduler.NewAcquisition(mapSchedulerConfig(cfg, a.pool.Workers()), a.guarded, a.registry, a.pool,
		scheduler.WithSharder(a.observer),
		scheduler.WithRecorder(a.rec),
		scheduler.WithLogger(log.With(logx.String("comp", "acquisition"))),
	)

	zc, oc := mapZombieConfig(cfg), mapOrphanConfig(cfg, a.podID)
	a.zombie = scheduler.NewZombieCleanup(zc, a.acq)
	a.orphan = scheduler.NewOrphanCleanup(oc, a.acq)
	a.triggers = newTriggers(log.With(logx.String("comp", "cleanup")),
		cleanupJob{name: "zombie", interval: zc.Interval, run: a.zombie.Run},
		cleanupJob{name: "orphan", interval: oc.Interval, run: a.orphan.Run},
	)

	acfg, err := mapAdminConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.admin = admin.New(acfg, a, a.promReg, log.With(logx.String("comp", "admin")))

	agentLog := log.With(logx.String("comp", "agent"))
	for _, ac := range cfg.Agents {
		if err := a.registry.Register(scheduler.Registration{
			ID:       ac.ID,
			Interval: mapAgentInterval(ac),
			Run:      demoAgent(ac.ID, agentLog),
		}); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// demoAgent is the execution used for agents declared in the config file.
func demoAgent(id string, log logx.Logger) scheduler.ExecFunc {
	return func(ctx context.Context) error {
		log.Debug("agent run", logx.String("agent", id))
		return ctx.Err()
	}
}

func (a *App) PodID() string { return a.podID }

func (a *App) Gatherer() prometheus.Gatherer { return a.promReg }

// Register adds an item handled by this process. Items registered after
// Start are seeded into the waiting set right away.
func (a *App) Register(reg scheduler.Registration) error {
	if err := a.registry.Register(reg); err != nil {
		return err
	}
	if a.sup == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(a.sup.Context(), 5*time.Second)
	defer cancel()
	if _, err := a.guarded.Repopulate(ctx, []string{reg.ID}, time.Now()); err != nil {
		a.log.Warn("seeding registered item failed; next refresh will retry",
			logx.String("id", reg.ID), logx.Err(err))
	}
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
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	a.started = time.Now()

	if err := a.connect(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return err
	}
	if err := a.observer.Heartbeat(a.sup.Context()); err != nil {
		a.log.Warn("initial heartbeat failed", logx.Err(err))
	}
	a.pool.Start()
	if _, err := a.acq.Repopulate(a.sup.Context(), time.Now()); err != nil {
		a.log.Warn("initial repopulate failed; next refresh will retry", logx.Err(err))
	}

	a.sup.GoRestart("pods.heartbeat", a.observer.Run)
	a.sup.GoRestart("acquisition", a.acq.Run)
	a.triggers.Start(a.sup.Context())
	if a.admin.Enabled() {
		a.admin.Start(a.sup.Context())
	}
	if a.cfgm != nil {
		a.startConfigReload()
	}

	a.log.Info("app started",
		logx.String("pod", a.podID),
		logx.Int("workers", a.pool.Workers()),
		logx.Int("permits", a.acq.Permits().Cap()),
		logx.Int("registered", a.registry.Len()),
	)
	return nil
}

// connect pings the raw store with exponential backoff. The breaker is not
// involved so a slow start does not leave it open.
func (a *App) connect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = a.connectTimeout

	op := func() error {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return a.store.Ping(pctx)
	}
	notify := func(err error, wait time.Duration) {
		a.log.Warn("store not reachable; retrying", logx.Err(err), logx.Duration("wait", wait))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}

func (a *App) startConfigReload() {
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(cfg *config.Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		_, err := mapAdminConfig(cfg)
		return err
	})

	sub := a.cfgm.Subscribe()
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case u, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, u)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
}

// applyConfig applies the live-reloadable sections of an update. Sections
// that need a restart are only reported.
func (a *App) applyConfig(ctx context.Context, u config.Update) {
	ch, newCfg := u.Change, u.New
	if ch.Empty() || newCfg == nil {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	if len(ch.Restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(ch.Restart, ",")))
	}

	if a.logs != nil {
		a.logs.Apply(mapLogConfig(newCfg))
	}
	if err := a.registry.SetPatterns(newCfg.EnabledPattern, newCfg.DisabledPattern); err != nil {
		a.log.Warn("invalid agent patterns; keeping previous", logx.Err(err))
	}
	a.zombie.SetEnabled(newCfg.ZombieCleanup.Enabled)
	a.orphan.SetEnabled(newCfg.OrphanCleanup.Enabled)
	if acfg, err := mapAdminConfig(newCfg); err != nil {
		a.log.Warn("invalid admin config; keeping previous", logx.Err(err))
	} else {
		a.admin.Reconfigure(ctx, acfg)
	}
	a.cfg = newCfg

	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Stops the acquisition tick, heartbeats and config loops.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			elapsed := time.Since(start)
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", elapsed),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("triggers", 2*time.Second, func(c context.Context) error { a.triggers.Stop(c); return nil })
	// Running work gets the drain window, then goes back to the waiting set.
	step("acquisition", a.drainTimeout+5*time.Second, func(c context.Context) error {
		dctx, cancel := context.WithTimeout(c, a.drainTimeout)
		defer cancel()
		if err := a.acq.Shutdown(dctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	})
	step("executor", 2*time.Second, func(c context.Context) error { return a.pool.Stop(c) })
	step("admin", 1*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("store", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
