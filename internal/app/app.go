// Package app wires configuration, storage, broker and the worker and beat
// loops into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"

	"taskbeat/internal/beat"
	"taskbeat/internal/broker"
	"taskbeat/internal/client"
	"taskbeat/internal/config"
	"taskbeat/internal/eventbus"
	"taskbeat/internal/events"
	"taskbeat/internal/job"
	"taskbeat/internal/observability/admin"
	"taskbeat/internal/store"
	"taskbeat/internal/worker"
	logx "taskbeat/pkg/logx"
)

const defaultShutdownTimeout = 30 * time.Second

type App struct {
	role Role
	cfg  *config.Config
	cfgm *config.ConfigManager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	st     store.Store
	br     broker.Broker
	reg    *worker.Registry
	pool   *worker.Pool
	beat   *beat.Scheduler
	client *client.Client
	events *events.Publisher
	admin  *admin.Server
	defs   []job.RecurringDefinition

	shutdown time.Duration
	notify   func(state string)
}

type Option func(*App)

// WithNotifier replaces the systemd sd_notify call.
func WithNotifier(fn func(state string)) Option {
	return func(a *App) { a.notify = fn }
}

// WithRegistry uses reg instead of a fresh registry with the builtin kinds.
func WithRegistry(reg *worker.Registry) Option {
	return func(a *App) { a.reg = reg }
}

// New loads cfgPath and builds the app. The file is watched while Run is
// active; only the logging section is applied live.
func New(ctx context.Context, cfgPath string, role Role, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	a, err := build(ctx, cfg, role, opts)
	if err != nil {
		return nil, err
	}
	a.cfgm = cfgm
	cfgm.SetLogger(a.log)
	return a, nil
}

// NewFromConfig builds the app from an already decoded config.
func NewFromConfig(ctx context.Context, cfg *config.Config, role Role, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return build(ctx, cfg, role, opts)
}

func build(ctx context.Context, cfg *config.Config, role Role, opts []Option) (_ *App, err error) {
	logs, root := logx.New(cfg.LogConfig())
	a := &App{
		role:   role,
		cfg:    cfg,
		log:    root.With(logx.String("comp", "app")),
		logs:   logs,
		bus:    eventbus.New(),
		notify: sdNotify,
	}
	for _, fn := range opts {
		if fn != nil {
			fn(a)
		}
	}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if a.shutdown, err = config.ParseDurationOrDefault("worker.shutdown_timeout", cfg.Worker.ShutdownTimeout, defaultShutdownTimeout); err != nil {
		return nil, err
	}

	sc, err := cfg.StoreConfig()
	if err != nil {
		return nil, err
	}
	if a.st, err = store.Open(sc, root.With(logx.String("comp", "store"))); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	bc, err := cfg.BrokerConfig()
	if err != nil {
		return nil, err
	}
	if a.br, err = broker.Open(ctx, bc, root.With(logx.String("comp", "broker"))); err != nil {
		return nil, fmt.Errorf("open broker: %w", err)
	}

	if a.reg == nil {
		a.reg = worker.NewRegistry()
		RegisterBuiltins(a.reg, root)
	}
	a.client = client.New(cfg.ClientConfig(), client.Deps{Store: a.st, Broker: a.br, Bus: a.bus, Log: root})

	if role.runsWorker() {
		wc, err := cfg.WorkerConfig()
		if err != nil {
			return nil, err
		}
		policy, err := cfg.RetryPolicy()
		if err != nil {
			return nil, err
		}
		a.pool = worker.New(wc, worker.Deps{
			Store:    a.st,
			Broker:   a.br,
			Registry: a.reg,
			Policy:   policy,
			Bus:      a.bus,
			Log:      root,
		})
	}
	if role.runsBeat() {
		bcfg, err := cfg.BeatConfig()
		if err != nil {
			return nil, err
		}
		if a.defs, err = cfg.Definitions(); err != nil {
			return nil, err
		}
		a.beat = beat.New(bcfg, beat.Deps{Store: a.st, Broker: a.br, Bus: a.bus, Log: root})
	}
	if cfg.Events.Enabled {
		if a.events, err = events.Dial(cfg.EventsConfig(), root); err != nil {
			return nil, err
		}
	}

	if cfg.Admin.Enabled {
		ac, err := cfg.AdminConfig()
		if err != nil {
			return nil, err
		}
		a.admin = admin.New(ac, root, a.statusSources(), []admin.Checker{
			{Name: "store", Check: a.st.Ping},
			{Name: "broker", Check: a.br.Ping},
		})
	}

	a.log.Info("app configured",
		logx.String("role", string(role)),
		logx.String("storage", driverName(sc.Driver)),
		logx.String("broker", driverName(bc.Driver)),
		logx.Bool("events", a.events != nil),
	)
	return a, nil
}

func driverName(d string) string {
	if strings.TrimSpace(d) == "" {
		return "memory"
	}
	return d
}

func (a *App) Registry() *worker.Registry { return a.reg }
func (a *App) Client() *client.Client     { return a.client }
func (a *App) Bus() eventbus.Bus          { return a.bus }
func (a *App) Pool() *worker.Pool         { return a.pool }
func (a *App) Beat() *beat.Scheduler      { return a.beat }

// Run starts the configured roles and blocks until ctx ends or a role
// halts. Workers drain for up to worker.shutdown_timeout before in-flight
// jobs are put back. Store and broker are closed on return.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	// Loops run on a context that outlives ctx so shutdown can drain.
	runCtx := context.WithoutCancel(ctx)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if a.pool != nil {
		if err := a.pool.Start(runCtx); err != nil {
			return err
		}
		g.Go(func() error {
			select {
			case <-gctx.Done():
			case <-a.pool.Done():
			}
			sctx, cancel := context.WithTimeout(runCtx, a.shutdown)
			defer cancel()
			_ = a.pool.Stop(sctx)
			return a.pool.Err()
		})
	}
	if a.beat != nil {
		if err := a.beat.Register(ctx, a.defs...); err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		if err := a.beat.Start(runCtx); err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		g.Go(func() error {
			select {
			case <-gctx.Done():
			case <-a.beat.Done():
			}
			sctx, cancel := context.WithTimeout(runCtx, a.shutdown)
			defer cancel()
			_ = a.beat.Stop(sctx)
			return a.beat.Err()
		})
	}
	if a.events != nil {
		g.Go(func() error { return a.events.Run(gctx, a.bus) })
	}
	if a.admin != nil {
		if err := a.admin.Start(runCtx); err != nil {
			a.log.Warn("admin server disabled", logx.Err(err))
		} else {
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(runCtx, 3*time.Second)
				defer cancel()
				_ = a.admin.Stop(sctx)
				return nil
			})
		}
	}
	if a.cfgm != nil {
		g.Go(func() error { return a.cfgm.Watch(gctx) })
		g.Go(func() error { a.reloadLoop(gctx); return nil })
	}
	g.Go(func() error { a.watchdog(gctx); return nil })

	a.notify(daemon.SdNotifyReady)
	a.log.Info("app started", logx.String("role", string(a.role)))

	<-gctx.Done()
	a.notify(daemon.SdNotifyStopping)
	a.log.Info("stopping")
	err := g.Wait()
	if err != nil {
		a.log.Error("app stopped with error", logx.Err(err))
		return err
	}
	a.log.Info("app stopped")
	return nil
}

func (a *App) statusSources() []admin.Source {
	src := []admin.Source{
		{Name: "role", Get: func(context.Context) (any, error) { return a.role, nil }},
		{Name: "depth", Get: func(ctx context.Context) (any, error) { return a.client.Depth(ctx) }},
		{Name: "counts", Get: func(ctx context.Context) (any, error) { return a.client.Counts(ctx) }},
		{Name: "events_dropped", Get: func(context.Context) (any, error) { return a.bus.Dropped(), nil }},
	}
	if a.pool != nil {
		src = append(src, admin.Source{Name: "worker", Get: func(context.Context) (any, error) { return a.pool.Snapshot(), nil }})
	}
	if a.beat != nil {
		src = append(src, admin.Source{Name: "beat", Get: func(context.Context) (any, error) { return a.beat.Snapshot(), nil }})
	}
	if a.events != nil {
		src = append(src, admin.Source{Name: "events", Get: func(context.Context) (any, error) { return a.events.Snapshot(), nil }})
	}
	return src
}

func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfg
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			changed, attrs := config.ChangedSections(last, next)
			if len(changed) == 0 {
				continue
			}
			if slices.Contains(changed, "logging") {
				a.logs.Apply(next.LogConfig())
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
			if config.NeedsRestart(changed) {
				a.log.Warn("config changed; restart required for non-logging sections", fields...)
			} else {
				a.log.Info("config reloaded", fields...)
			}
			last = next
		}
	}
}

// watchdog pings systemd at half the configured WatchdogSec.
func (a *App) watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.notify(daemon.SdNotifyWatchdog)
		}
	}
}

func sdNotify(state string) {
	// No-op outside systemd (NOTIFY_SOCKET unset).
	_, _ = daemon.SdNotify(false, state)
}

func (a *App) close() {
	var errs []error
	if a.events != nil {
		errs = append(errs, a.events.Close())
	}
	if a.br != nil {
		errs = append(errs, a.br.Close())
	}
	if a.st != nil {
		errs = append(errs, a.st.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.log.Warn("close failed", logx.Err(err))
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
