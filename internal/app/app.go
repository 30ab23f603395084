package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"userbotd/internal/admin"
	"userbotd/internal/config"
	"userbotd/internal/eventbus"
	"userbotd/internal/notifier"
	"userbotd/internal/observability/metrics"
	"userbotd/internal/runtime/supervisor"
	"userbotd/internal/storage"
	"userbotd/internal/task/scheduler"
	kit "userbotd/internal/transport"
	telegram "userbotd/internal/transport/telegram/adapter"
	"userbotd/internal/transport/telegram/router"
	"userbotd/internal/userbot/manager"
	"userbotd/internal/userbot/session"
	"userbotd/internal/userbot/sweeper"
	logx "userbotd/pkg/logx"
	"userbotd/pkg/systemd"
)

const sweepJob = "sweeper"

type App struct {
	cfgPath   string
	startedAt time.Time

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor
	sups *supervisor.Registry

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter

	sched   *scheduler.Service
	notif   *notifier.Service
	metrics *metrics.Metrics
	msrv    *metrics.Server

	procSup *supervisor.Supervisor
	procs   *manager.Manager
	sweeper *sweeper.Sweeper
	cmdm    *router.CommandManager
	cmds    []router.Command

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return validate(c) })
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// Telegram logging starts disabled so Apply does not warn before the
	// target chat is known.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	if chatID, ok := groupLogChat(cfg); ok {
		logSvc.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
	}
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()
	sups := supervisor.NewRegistry()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	notifSvc := notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")), bus)

	supCfg, err := cfg.Supervisor.Resolve()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	launcher := manager.ExecLauncher{
		Binary: supCfg.Binary,
		// Read per launch so forward and logging changes reach new children.
		Env: func(ident storage.Identity) ([]string, error) {
			env, err := config.NewChildEnv(cfgm.Get(), ident.ID)
			if err != nil {
				return nil, err
			}
			return env.Environ(), nil
		},
	}
	procSup := supervisor.NewSupervisor(context.Background(), supervisor.WithLogger(log.With(logx.String("comp", "userbots"))))
	procs := manager.New(supCfg, launcher, store, procSup,
		manager.WithNotifier(notifSvc),
		manager.WithBus(bus),
		manager.WithLogger(log),
	)
	sups.Set("userbots", procSup)

	checkTimeout, err := config.ParseDurationOrDefault("session.check_timeout", cfg.Session.CheckTimeout, 30*time.Second)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	checker := session.IdentityChecker{Checker: session.Checker{
		Timeout: checkTimeout,
		Log:     log.With(logx.String("comp", "check")),
	}}

	swCfg, err := cfg.Sweeper.Resolve()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sw := sweeper.New(swCfg, store, checker, procs, notifSvc, bus, log)

	schedSvc := scheduler.New(scheduler.Config{Timezone: swCfg.Timezone}, log.With(logx.String("comp", "scheduler")))
	if swCfg.Enabled {
		if err := schedSvc.AddSchedule(sweepJob, swCfg.Schedule, 0, sw.Job); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("sweeper.schedule: %w", err)
		}
	}

	met := metrics.New(procs, sups)
	msrv := metrics.NewServer(mapMetricsConfig(cfg), met.Registry(), log)

	cmdm := router.NewCommandManager(log.With(logx.String("comp", "commands")), ad, cfg.Telegram.OwnerUserIDs, router.Options{
		RatePerMin: cfg.Telegram.CommandRatePerMin,
		Registry:   sups,
	})
	startedAt := time.Now()
	cmds := admin.Commands(admin.Deps{
		Store:       store,
		Procs:       procs,
		Sweeper:     sw,
		Verifier:    checker,
		Supervisors: sups,
		APIID:       cfg.Session.APIID,
		APIHash:     cfg.Session.APIHash,
		StartedAt:   startedAt,
	})

	return &App{
		cfgPath:   cfgPath,
		startedAt: startedAt,
		cfgm:      cfgm,
		sups:      sups,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		adapter:   ad,
		sched:     schedSvc,
		notif:     notifSvc,
		metrics:   met,
		msrv:      msrv,
		procSup:   procSup,
		procs:     procs,
		sweeper:   sw,
		cmdm:      cmdm,
		cmds:      cmds,
		updates:   make(chan kit.Update, 256),
	}, nil
}

// Done is closed once the app is stopping, after a fatal error or Stop.
// Before Start it is already closed.
func (a *App) Done() <-chan struct{} {
	if a.sup != nil {
		return a.sup.Context().Done()
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Err is the fatal error that ended the app, if any.
func (a *App) Err() error {
	if a.sup != nil {
		return a.sup.Err()
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.sups.Set("app", a.sup)
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sups.Set("telegram.adapter", a.adapter.Supervisor())
	// Registered after the adapter is up so the command menu push can reach the API.
	a.cmdm.SetRegistry(a.cmds)

	a.notif.Start(a.sup.Context())
	a.sups.Set("notifier", a.notif.Supervisor())

	a.sched.Start(a.sup.Context())

	a.sup.Go0("metrics.collect", func(c context.Context) { a.metrics.Run(c, a.bus) })
	a.msrv.Start(a.sup.Context())
	a.sups.Set("metrics", a.msrv.Supervisor())

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		a.logEvents(c, events)
	})

	// Sessions come back one by one; the bot is already answering meanwhile.
	a.sup.Go0("userbots.resume", func(c context.Context) {
		n, err := a.procs.ResumeActive(c)
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("some sessions failed to resume", logx.Int("started", n), logx.Err(err))
			_ = a.notif.NotifyAdmins(c, "userbot.resume", notifier.PriorityWarn,
				fmt.Sprintf("Resumed %d userbots after restart; some failed:\n%v", n, err))
		}
		_, _ = systemd.Status(fmt.Sprintf("%d userbots running", n))
	})

	if sw, err := a.cfgm.Get().Sweeper.Resolve(); err == nil && sw.Enabled && sw.StartupDelay > 0 {
		a.sup.Go0("sweeper.startup", func(c context.Context) {
			t := time.NewTimer(sw.StartupDelay)
			defer t.Stop()
			select {
			case <-c.Done():
				return
			case <-t.C:
			}
			if err := a.sweeper.Job(c); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("startup sweep failed", logx.Err(err))
			}
		})
	}

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return systemd.Watchdog(c, func() bool { return a.sup.Err() == nil })
	})
	if ok, err := systemd.Ready("admin bot online"); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}

	a.log.Info("app started")
	return nil
}

// reloadLoop applies committed configs in order. A burst of reloads is
// applied once, using the newest.
func (a *App) reloadLoop(c context.Context) {
	sub, unsub := a.cfgm.Subscribe(8)
	defer unsub()
	applied := a.cfgm.Get()
	for {
		var next *config.Config
		select {
		case <-c.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			next = latest(sub, cfg)
		}
		a.applyConfig(c, applied, next)
		applied = next
	}
}

// latest drains ch without blocking and returns the last config seen.
func latest(ch <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case cfg, ok := <-ch:
			if !ok || cfg == nil {
				return cur
			}
			cur = cfg
		default:
			return cur
		}
	}
}

func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if rr := config.RestartRequired(sections); len(rr) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(rr, ",")))
	}

	if chatID, ok := groupLogChat(newCfg); ok {
		a.logs.SetTelegramTarget(chatID, newCfg.Logging.Telegram.ThreadID)
	} else {
		a.logs.SetTelegramTarget(0, 0)
	}
	a.logs.Apply(mapLogConfig(newCfg))

	a.cmdm.SetOwners(newCfg.Telegram.OwnerUserIDs)

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		prev := a.notif.Supervisor() != nil
		a.notif.Apply(ncfg)
		switch {
		case prev && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
			a.sups.Delete("notifier")
		case !prev && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(c)
			a.sups.Set("notifier", a.notif.Supervisor())
		}
	}

	if sw, err := newCfg.Sweeper.Resolve(); err != nil {
		a.log.Warn("invalid sweeper config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(scheduler.Config{Timezone: sw.Timezone})
		if !sw.Enabled {
			a.sched.Remove(sweepJob)
		} else if err := a.sched.AddSchedule(sweepJob, sw.Schedule, 0, a.sweeper.Job); err != nil {
			a.log.Warn("invalid sweeper schedule; keeping previous", logx.Err(err))
		}
	}

	a.msrv.Reconfigure(c, mapMetricsConfig(newCfg))
	a.sups.Set("metrics", a.msrv.Supervisor())

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
