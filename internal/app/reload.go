package app

import (
	"context"
	"strings"
	"time"

	"postbot/internal/config"
	logx "postbot/pkg/logx"
)

// reloadLoop applies committed config updates. Storage, clients and recovery
// settings need a restart.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			if newCfg == nil {
				continue
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if config.RestartSections[s] {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}
	if oldCfg != nil && oldCfg.Telegram.Token != newCfg.Telegram.Token {
		a.log.Warn("telegram.token changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLoggingConfig(newCfg))
	a.cmdm.SetOwners(newCfg.Telegram.OwnerUserIDs)

	a.applyExecution(ctx, newCfg)

	if policy, _, err := mapDeliveryPolicy(newCfg); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.disp.SetPolicy(policy)
	}
	if q, err := mapQuota(newCfg); err != nil {
		a.log.Warn("invalid quota config; keeping previous", logx.Err(err))
	} else {
		a.posts.SetQuota(q)
	}
	if err := a.posts.SetDefaultTimezone(newCfg.Scheduler.DefaultTimezone); err != nil {
		a.log.Warn("invalid scheduler.default_timezone; keeping previous", logx.Err(err))
	}
	if d, err := mapReactionCooldown(newCfg); err == nil {
		a.reactions.SetCooldown(d)
	}
	a.ledger.SetDefaults(newCfg.Reactions.Defaults)

	a.applyNotifier(ctx, newCfg)

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// applyExecution updates the task engine and the scheduler, toggling them on
// the fly: scheduler first on shutdown, engine first on startup.
func (a *App) applyExecution(ctx context.Context, newCfg *config.Config) {
	prevSched := a.sched.Enabled()
	prevEng := a.engine.Enabled()

	engCfg, err := mapTaskEngineConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
		return
	}
	a.engine.Apply(ctx, engCfg)
	a.sched.Apply(mapSchedulerConfig(newCfg))

	nextSched, nextEng := newCfg.Scheduler.Enabled, engCfg.Enabled
	if prevSched && !nextSched {
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	}
	if prevEng && !nextEng {
		a.log.Info("task engine disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.engine.Stop(stopCtx)
		cancel()
	}
	if !prevEng && nextEng {
		a.log.Info("task engine enabled via config")
		a.engine.Start(ctx)
	}
	if !prevSched && nextSched {
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}
}

func (a *App) applyNotifier(ctx context.Context, newCfg *config.Config) {
	prev := a.notif.Enabled()
	ncfg, err := mapNotifierConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		return
	}
	a.notif.Apply(ncfg)
	switch {
	case prev && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !prev && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
	}
}
