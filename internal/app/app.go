package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"postbot/internal/config"
	"postbot/internal/delivery"
	"postbot/internal/eventbus"
	"postbot/internal/notifier"
	"postbot/internal/posts"
	"postbot/internal/reaction"
	"postbot/internal/recovery"
	rtsup "postbot/internal/runtime/supervisor"
	"postbot/internal/storage"
	"postbot/internal/task/engine"
	"postbot/internal/task/scheduler"
	kit "postbot/internal/transport"
	telegram "postbot/internal/transport/telegram/adapter"
	"postbot/internal/transport/telegram/router"
	logx "postbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store *storage.Store

	adapter *telegram.Adapter

	engine *engine.Service
	sched  *scheduler.Service

	pool   *delivery.Pool
	jobs   *delivery.Jobs
	disp   *delivery.Dispatcher
	ledger *reaction.Ledger
	posts  *posts.Service
	loader *recovery.Loader
	notif  *notifier.Service

	cmdm      *router.CommandManager
	reactions *router.Reactions

	sweep   string
	updates chan kit.Update
}

// NewApp loads the config and builds every component. Nothing runs until Start.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })
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

	logSvc, log := logx.New(mapLoggingConfig(cfg), ad)
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	// Close the store if any later step fails.
	ok := false
	defer func() {
		if !ok {
			_ = store.Close()
		}
	}()

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)
	schedSvc := scheduler.New(mapSchedulerConfig(cfg), engineSvc, log.With(logx.String("comp", "scheduler")), bus)

	policy, jobTimeout, err := mapDeliveryPolicy(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := buildPool(cfg, ad, log.With(logx.String("comp", "clients")))
	if err != nil {
		return nil, err
	}
	jobs := delivery.NewJobs(schedSvc, jobTimeout)
	ledger := reaction.New(store, cfg.Reactions.Defaults, log.With(logx.String("comp", "reactions")))
	disp := delivery.NewDispatcher(store, pool, jobs, ledger, bus, policy, log.With(logx.String("comp", "delivery")))

	quota, err := mapQuota(cfg)
	if err != nil {
		return nil, err
	}
	postSvc := posts.New(store, jobs, disp, ledger, quota, log.With(logx.String("comp", "posts")))
	if err := postSvc.SetDefaultTimezone(cfg.Scheduler.DefaultTimezone); err != nil {
		return nil, err
	}

	rcfg, sweep, err := mapRecoveryConfig(cfg)
	if err != nil {
		return nil, err
	}
	loader := recovery.New(store, jobs, disp.Deliver, rcfg, log.With(logx.String("comp", "recovery")))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notifSvc := notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")), bus)

	cmdm := router.NewCommandManager(log.With(logx.String("comp", "commands")), ad, cfg.Telegram.OwnerUserIDs)
	reactions := router.NewReactions(postSvc)
	cooldown, err := mapReactionCooldown(cfg)
	if err != nil {
		return nil, err
	}
	reactions.SetCooldown(cooldown)
	cmdm.SetRegistry(router.PostCommands(postSvc), []router.CallbackRoute{reactions.Route()})

	ok = true
	return &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       appLog,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		adapter:   ad,
		engine:    engineSvc,
		sched:     schedSvc,
		pool:      pool,
		jobs:      jobs,
		disp:      disp,
		ledger:    ledger,
		posts:     postSvc,
		loader:    loader,
		notif:     notifSvc,
		cmdm:      cmdm,
		reactions: reactions,
		sweep:     sweep,
		updates:   make(chan kit.Update, 256),
	}, nil
}

// buildPool creates the primary client on the update bot and the optional
// secondary client on a local Bot API server.
func buildPool(cfg *config.Config, ad *telegram.Adapter, log logx.Logger) (*delivery.Pool, error) {
	pcfg, err := mapClientConfig("clients.primary", "primary", cfg.Telegram.Token, cfg.Clients.Primary)
	if err != nil {
		return nil, err
	}
	clients := []delivery.Client{telegram.NewClientWithBot(pcfg, ad.Bot(), log.With(logx.String("client", "primary")))}

	if s := cfg.Clients.Secondary; s != nil {
		scfg, err := mapClientConfig("clients.secondary", "secondary", cfg.Telegram.Token, *s)
		if err != nil {
			return nil, err
		}
		c, err := telegram.NewClient(scfg, log.With(logx.String("client", "secondary")))
		if err != nil {
			return nil, fmt.Errorf("secondary client: %w", err)
		}
		clients = append(clients, c)
	}
	for _, c := range clients {
		log.Info("delivery client ready", logx.String("name", c.Name()), logx.Int64("max_size", c.MaxSize()))
	}
	return delivery.NewPool(clients...), nil
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

// Start runs the components in dependency order: engine and scheduler first,
// then recovery of persisted posts, then the telegram surface.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	runCtx := a.sup.Context()

	if a.engine.Enabled() {
		a.engine.Start(runCtx)
	}
	if a.sched.Enabled() {
		a.sched.Start(runCtx)
	} else {
		a.log.Warn("scheduler disabled; recurring schedules are paused, one-shot post jobs still fire")
	}

	rep, err := a.loader.Run(runCtx, time.Now())
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	a.log.Info("recovery finished",
		logx.Int("scheduled", rep.Scheduled),
		logx.Int("overdue", rep.Overdue),
		logx.Int("skipped", rep.Skipped),
	)
	if a.sweep != "" {
		if _, err := a.sched.AddSchedule("recovery.sweep", a.sweep, sweepTimeout, a.runSweep); err != nil {
			return fmt.Errorf("recovery.sweep: %w", err)
		}
	}

	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}
	a.sup.Go0("commands.menu", func(c context.Context) {
		menuCtx, cancel := context.WithTimeout(c, 15*time.Second)
		defer cancel()
		a.cmdm.SyncMenu(menuCtx)
	})
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
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

	a.log.Info("app started")
	return nil
}

func (a *App) runSweep(ctx context.Context) error {
	rep, err := a.loader.Sweep(ctx)
	if err != nil {
		return err
	}
	if rep.Orphans > 0 || rep.Scheduled > 0 || rep.Skipped > 0 {
		a.log.Info("recovery sweep",
			logx.Int("orphans", rep.Orphans),
			logx.Int("scheduled", rep.Scheduled),
			logx.Int("overdue", rep.Overdue),
			logx.Int("skipped", rep.Skipped),
		)
	}
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.sup.Cancel()

	// Each step is bounded so one component cannot stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Triggers first so nothing new is enqueued, then the engine drains in-flight deliveries.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
