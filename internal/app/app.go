// Package app wires the config manager, router client, stores, scheduler,
// background jobs and HTTP server into one lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"routerctl/internal/config"
	"routerctl/internal/logging"
	"routerctl/internal/notify"
	"routerctl/internal/routeros"
	"routerctl/internal/rules"
	"routerctl/internal/scheduler"
	"routerctl/internal/speedtest"
	"routerctl/internal/tasks"
	"routerctl/internal/web"
)

type App struct {
	cfgm *config.Manager
	log  zerolog.Logger

	logClose func() error

	ruleStore *rules.Store
	engine    *rules.Service
	loader    *rules.Loader
	taskStore tasks.Store
	sched     *scheduler.Service
	notifier  *notify.Service
	speed     *speedtest.Service
	server    *web.Server

	jobs *cron.Cron

	cancelWatch context.CancelFunc
	watchDone   chan struct{}
	serverErr   chan error
}

func New(cfgPath string) (*App, error) {
	bootLog := zerolog.Nop()
	cfgm := config.NewManager(cfgPath, bootLog)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, logClose := logging.Setup(cfg.Logging)

	client, err := routeros.New(routeros.Config{
		URL:        cfg.Router.URL,
		Username:   cfg.Router.Username,
		Password:   cfg.RouterPassword(),
		Timeout:    parseDuration(cfg.Router.Timeout, 0),
		RatePerSec: cfg.Router.RatePerSec,
	}, log.With().Str("component", "routeros").Logger())
	if err != nil {
		return nil, err
	}

	ruleStore := rules.NewStore()
	engine := rules.NewService(ruleStore, client, log.With().Str("component", "engine").Logger())
	loader := rules.NewLoader(ruleStore, client, log.With().Str("component", "loader").Logger())

	storageCfg := tasks.Config{Driver: "memory"}
	if cfg.Storage != nil {
		storageCfg = tasks.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: parseDuration(cfg.Storage.BusyTimeout, 5*time.Second),
		}
	}
	taskStore, err := tasks.Open(storageCfg, log.With().Str("component", "taskstore").Logger())
	if err != nil {
		return nil, err
	}

	sched := scheduler.New(taskStore, engine, log.With().Str("component", "scheduler").Logger())

	var notifier *notify.Service
	if cfg.Notify != nil {
		notifier, err = notify.New(notify.Config{
			Enabled:    cfg.Notify.Enabled,
			Token:      cfg.Notify.Token,
			ChatID:     cfg.Notify.ChatID,
			RatePerSec: cfg.Notify.RatePerSec,
		}, log.With().Str("component", "notify").Logger())
		if err != nil {
			return nil, err
		}
	}
	if notifier != nil {
		sched.SetExecutedHook(notifier.TaskExecuted)
	}

	var speed *speedtest.Service
	if cfg.Speedtest != nil && cfg.Speedtest.Enabled {
		speed = speedtest.New(speedtest.Config{HistoryFile: cfg.Speedtest.HistoryFile},
			log.With().Str("component", "speedtest").Logger())
	}

	server := web.NewServer(cfgm.Get, engine, sched, speed, notifier,
		log.With().Str("component", "web").Logger())

	return &App{
		cfgm:      cfgm,
		log:       log,
		logClose:  logClose,
		ruleStore: ruleStore,
		engine:    engine,
		loader:    loader,
		taskStore: taskStore,
		sched:     sched,
		notifier:  notifier,
		speed:     speed,
		server:    server,
		serverErr: make(chan error, 1),
	}, nil
}

// Log exposes the root logger for the main package.
func (a *App) Log() zerolog.Logger { return a.log }

// Start brings the service up: initial rule load, scheduler recovery,
// background jobs, config watch and the HTTP listener. A router that is down
// at startup is logged, not fatal; the resync job retries the load.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()

	if err := a.loader.Load(ctx, cfg.Rules.FirewallSpecs(), cfg.Rules.QueueSpecs()); err != nil {
		a.log.Warn().Err(err).Msg("initial rule load failed, will retry on resync")
	} else {
		a.log.Info().Int("rules", a.ruleStore.Len()).Msg("rules loaded")
	}

	if err := a.sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	a.notifier.Start(ctx)
	a.startJobs(cfg)

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancelWatch = cancel
	a.watchDone = make(chan struct{})
	go func() {
		defer close(a.watchDone)
		a.watchConfig(watchCtx)
	}()

	go func() {
		a.serverErr <- a.server.Start()
	}()
	return nil
}

// ServerErr delivers a fatal listener error, if any.
func (a *App) ServerErr() <-chan error { return a.serverErr }

// Stop tears everything down in reverse order within ctx's deadline. Pending
// tasks stay stored for the next startup's recovery.
func (a *App) Stop(ctx context.Context) {
	if a.jobs != nil {
		jobsCtx := a.jobs.Stop()
		select {
		case <-jobsCtx.Done():
		case <-ctx.Done():
		}
	}
	if a.cancelWatch != nil {
		a.cancelWatch()
		<-a.watchDone
	}
	if err := a.server.Shutdown(ctx); err != nil {
		a.log.Warn().Err(err).Msg("http shutdown failed")
	}
	a.sched.Stop(ctx)
	a.notifier.Stop()
	if err := a.taskStore.Close(); err != nil {
		a.log.Warn().Err(err).Msg("task store close failed")
	}
	a.log.Info().Msg("shutdown complete")
	if a.logClose != nil {
		_ = a.logClose()
	}
}

// startJobs registers the periodic resync and overdue-sweep jobs. An empty
// interval disables the job.
func (a *App) startJobs(cfg *config.Config) {
	a.jobs = cron.New()

	if iv := parseDuration(cfg.Jobs.ResyncInterval, 0); iv > 0 {
		_, err := a.jobs.AddFunc(fmt.Sprintf("@every %s", iv), func() { a.resync() })
		if err != nil {
			a.log.Error().Err(err).Msg("failed to register resync job")
		} else {
			a.log.Info().Dur("interval", iv).Msg("resync job registered")
		}
	}
	if iv := parseDuration(cfg.Jobs.SweepInterval, 0); iv > 0 {
		_, err := a.jobs.AddFunc(fmt.Sprintf("@every %s", iv), func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := a.sched.SweepOverdue(ctx); err != nil {
				a.log.Error().Err(err).Msg("overdue sweep failed")
			}
		})
		if err != nil {
			a.log.Error().Err(err).Msg("failed to register sweep job")
		} else {
			a.log.Info().Dur("interval", iv).Msg("overdue sweep job registered")
		}
	}
	a.jobs.Start()
}

// resync refreshes live rule state. When the store is still empty (startup
// load failed) it retries the full load instead.
func (a *App) resync() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if a.ruleStore.Len() == 0 {
		cfg := a.cfgm.Get()
		if err := a.loader.Load(ctx, cfg.Rules.FirewallSpecs(), cfg.Rules.QueueSpecs()); err != nil {
			a.log.Warn().Err(err).Msg("rule load retry failed")
		} else {
			a.log.Info().Int("rules", a.ruleStore.Len()).Msg("rules loaded")
		}
		return
	}
	if err := a.engine.Resync(ctx); err != nil {
		a.log.Warn().Err(err).Msg("resync failed")
	}
}

// watchConfig runs the fsnotify watch and reloads the rule set when the
// managed-rule lists change. Web users, JWT secret and groups are read from
// the live config at request time and need no handling here.
func (a *App) watchConfig(ctx context.Context) {
	sub := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(sub)

	go func() {
		if err := a.cfgm.Watch(ctx); err != nil {
			a.log.Warn().Err(err).Msg("config watch terminated")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			lctx, cancel := context.WithTimeout(ctx, time.Minute)
			err := a.loader.Load(lctx, cfg.Rules.FirewallSpecs(), cfg.Rules.QueueSpecs())
			cancel()
			if err != nil {
				a.log.Warn().Err(err).Msg("rule reload after config change failed")
				continue
			}
			a.log.Info().Int("rules", a.ruleStore.Len()).Msg("rules reloaded after config change")
		}
	}
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}
