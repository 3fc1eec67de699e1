package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"notifyd/internal/channels"
	"notifyd/internal/config"
	"notifyd/internal/digest"
	"notifyd/internal/dispatch"
	"notifyd/internal/eventbus"
	"notifyd/internal/httpapi"
	"notifyd/internal/ledger"
	"notifyd/internal/metrics"
	"notifyd/internal/observability/pprof"
	"notifyd/internal/pipeline"
	"notifyd/internal/prefs"
	rtsup "notifyd/internal/runtime/supervisor"
	"notifyd/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

// App wires the notification pipeline to its config, storage and listeners.
type App struct {
	cfgm *config.ConfigManager
	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	ledger   ledger.Ledger
	store    *prefs.Store
	prefs    *prefs.File
	registry *channels.Registry
	metrics  *metrics.Metrics
	disp     *dispatch.Dispatcher
	sched    *digest.Scheduler
	svc      *pipeline.Service
	handler  http.Handler

	digestTick time.Duration
	http       httpSettings
	pprof      pprof.Config

	mu  sync.Mutex
	sup *rtsup.Supervisor
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	if err := loadDotEnv(cfgPath); err != nil {
		return nil, err
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogging(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	bus := eventbus.New()

	lcfg, _ := mapStorage(cfg)
	dcfg, _ := mapDispatch(cfg)
	dg, _ := mapDigest(cfg)
	icfg, _ := mapIngest(cfg)
	hs, _ := mapHTTP(cfg)
	specs, _ := mapChannels(cfg)
	pc, _ := mapPprof(cfg)

	// Ledger open, preferences load and adapter setup are independent.
	store := prefs.NewStore()
	var (
		l   ledger.Ledger
		pf  *prefs.File
		reg *channels.Registry
		g   errgroup.Group
	)
	g.Go(func() error {
		var err error
		if l, err = ledger.Open(lcfg, log.With(logx.String("comp", "ledger"))); err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		return nil
	})
	if p := strings.TrimSpace(cfg.Preferences.Path); p != "" {
		pf = prefs.NewFile(p, store, log.With(logx.String("comp", "prefs")))
		g.Go(func() error {
			if err := pf.Load(); err != nil {
				return fmt.Errorf("load preferences: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		var err error
		reg, err = channels.Build(specs, log)
		return err
	})
	if err := g.Wait(); err != nil {
		if l != nil {
			_ = l.Close()
		}
		logs.Close()
		return nil, err
	}

	users := func() dispatch.Users { return store.Snapshot() }
	m := metrics.New()
	disp := dispatch.New(dcfg, l, reg, users, dispatch.Options{
		Log: log.With(logx.String("comp", "dispatch")),
		Bus: bus,
	})
	sched := digest.New(disp, func() digest.Users { return store.Snapshot() }, digest.Options{
		Window:      dg.window,
		DefaultTime: dg.defaultTime,
		Log:         log.With(logx.String("comp", "digest")),
		Bus:         bus,
	})
	svc := pipeline.New(icfg, store, sched, l, pipeline.Options{
		Log:   log.With(logx.String("comp", "pipeline")),
		Bus:   bus,
		Prefs: pf,
	})
	m.QueueDepth(disp.QueueDepth)
	m.PendingBuckets(func() int { return len(sched.Pending()) })

	a := &App{
		cfgm:       cfgm,
		logs:       logs,
		log:        log,
		bus:        bus,
		ledger:     l,
		store:      store,
		prefs:      pf,
		registry:   reg,
		metrics:    m,
		disp:       disp,
		sched:      sched,
		svc:        svc,
		digestTick: dg.tick,
		http:       hs,
		pprof:      pc,
	}
	opts := httpapi.Options{
		Log:         log.With(logx.String("comp", "http")),
		CORSOrigins: hs.corsOrigins,
		Health:      a.health,
	}
	if hs.metrics {
		opts.Metrics = m
	}
	a.handler = httpapi.NewRouter(svc, opts)
	return a, nil
}

func loadDotEnv(cfgPath string) error {
	p := filepath.Join(filepath.Dir(cfgPath), ".env")
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	// Variables already present in the environment win.
	if err := godotenv.Load(p); err != nil {
		return fmt.Errorf("load %s: %w", p, err)
	}
	return nil
}

func (a *App) Service() *pipeline.Service { return a.svc }
func (a *App) Handler() http.Handler      { return a.handler }
func (a *App) Metrics() *metrics.Metrics  { return a.metrics }
func (a *App) Logger() logx.Logger        { return a.log }

// Done is closed when the app context ends, including after a fatal
// background error. It is nil before Start.
func (a *App) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err reports the first background failure, if any.
func (a *App) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) health() map[string]any {
	out := map[string]any{
		"dispatcher":      a.disp.Running(),
		"queue_depth":     a.disp.QueueDepth(),
		"pending_digests": len(a.sched.Pending()),
		"prefs_version":   a.store.Snapshot().Version(),
	}
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup != nil {
		out["goroutines"] = sup.Snapshot()
	}
	if ds := a.disp.Supervisor(); ds != nil {
		out["workers"] = ds.Snapshot()
	}
	return out
}

// Start launches the dispatcher and supervised background loops.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.sup != nil {
		a.mu.Unlock()
		return errors.New("app already started")
	}
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		rtsup.WithCancelOnError(true),
	)
	sup := a.sup
	a.mu.Unlock()

	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error { return validate(cfg) })

	// Workers outlive the app context so Stop can drain them.
	a.disp.Start(context.WithoutCancel(ctx))

	// Work left over from the previous run: parked buckets, then queued deliveries.
	if _, err := a.svc.Recover(ctx); err != nil {
		a.log.Warn("digest recovery failed", logx.Err(err))
	}
	if _, err := a.disp.Redrive(ctx); err != nil {
		a.log.Warn("queued deliveries not fully redriven", logx.Err(err))
	}

	sup.GoRestart("digest.flush", func(c context.Context) error {
		return a.sched.Run(c, a.digestTick)
	}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))

	sup.Go("metrics.bus", func(c context.Context) error {
		return a.metrics.Run(c, a.bus)
	})

	events, unsub := a.bus.Subscribe(128)
	sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	if a.http.enabled {
		srv := httpapi.NewServer(a.http.addr, a.handler, a.http.readTimeout, a.http.writeTimeout, a.log.With(logx.String("comp", "http")))
		sup.Go("http.serve", srv.Serve)
	}

	if a.pprof.Enabled {
		pc := a.pprof
		sup.GoRestart("pprof.serve", func(c context.Context) error {
			return pprof.Serve(c, pc, a.log.With(logx.String("comp", "pprof")))
		}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	}

	if a.prefs != nil && a.cfgm.Get().Preferences.Watch {
		sup.GoRestart("preferences.watch", a.prefs.Watch, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	}

	sub := a.cfgm.Subscribe(8)
	sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.apply(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	sup.Go("config.watch", a.cfgm.Watch)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("notifyd started", logx.Bool("http", a.http.enabled), logx.String("addr", a.http.addr))
	return nil
}

// apply pushes a validated config to the live components.
func (a *App) apply(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if config.RequiresRestart(oldCfg, newCfg) {
		a.log.Warn("config change needs a restart to take full effect", logx.String("changed", strings.Join(sections, ",")))
	}

	a.logs.Apply(mapLogging(newCfg))

	if dcfg, err := mapDispatch(newCfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(dcfg)
	}
	if icfg, err := mapIngest(newCfg); err != nil {
		a.log.Warn("invalid ingest config; keeping previous", logx.Err(err))
	} else {
		a.svc.Apply(icfg)
	}
	if pc, err := mapPprof(newCfg); err == nil {
		pprof.ApplyRates(pc)
	}
	specs, err := mapChannels(newCfg)
	if err == nil {
		var reg *channels.Registry
		if reg, err = channels.Build(specs, a.log); err == nil {
			a.registry.Replace(reg)
		}
	}
	if err != nil {
		a.log.Warn("invalid channels config; keeping previous", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop cancels background loops, parks waiting digest buckets in the ledger,
// drains the dispatcher and closes storage.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Stops intake (HTTP) and the digest ticker first.
	sup.Cancel()

	a.step(ctx, "supervisor", 3*time.Second, sup.Wait)
	a.step(ctx, "digest.park", 2*time.Second, func(c context.Context) error {
		_, err := a.svc.Park(c)
		return err
	})
	a.step(ctx, "dispatch", 10*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	a.step(ctx, "ledger", 2*time.Second, func(context.Context) error { return a.ledger.Close() })

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by limit and the caller's deadline.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
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
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}
		}()
	}
}
