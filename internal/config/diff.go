package config

import (
	"reflect"
	"sort"
	"strings"

	logx "postbot/pkg/logx"
)

// RestartSections are applied only at startup.
var RestartSections = map[string]bool{
	"storage":  true,
	"clients":  true,
	"recovery": true,
}

// SummarizeConfigChange returns a sorted list of changed sections and safe
// structured attrs for logging. Tokens are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) ||
		ot.Token != nt.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.default_timezone", strings.TrimSpace(newCfg.Scheduler.DefaultTimezone)),
		)
	}

	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Bool("task_engine.present", newCfg.TaskEngine != nil),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(nTE.DefaultTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery) {
		d := newCfg.Delivery
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Int("delivery.max_attempts", d.MaxAttempts),
			logx.String("delivery.retry_cap", d.RetryCap),
			logx.String("delivery.defer", d.Defer),
			logx.Int("delivery.max_deferrals", d.MaxDeferrals),
			logx.String("delivery.max_age", d.MaxAge),
			logx.Bool("delivery.keep_sent", d.KeepSent),
		)
	}

	if !reflect.DeepEqual(oldCfg.Clients, newCfg.Clients) {
		changed = append(changed, "clients")
		attrs = append(attrs,
			logx.Bool("clients.secondary", newCfg.Clients.Secondary != nil),
			logx.String("clients.disable_cooldown", newCfg.Clients.DisableCooldown),
		)
	}

	if !reflect.DeepEqual(oldCfg.Reactions, newCfg.Reactions) {
		changed = append(changed, "reactions")
		attrs = append(attrs, logx.Int("reactions.defaults", len(newCfg.Reactions.Defaults)))
	}

	if oldCfg.Quota != newCfg.Quota {
		changed = append(changed, "quota")
		attrs = append(attrs,
			logx.String("quota.daily_bytes", newCfg.Quota.DailyBytes),
			logx.String("quota.cooldown", newCfg.Quota.Cooldown),
		)
	}

	if oldCfg.Recovery != newCfg.Recovery {
		changed = append(changed, "recovery")
		attrs = append(attrs,
			logx.String("recovery.overdue", newCfg.Recovery.Overdue),
			logx.String("recovery.sweep", newCfg.Recovery.Sweep),
		)
	}

	oldN, newN := DerefNotifier(oldCfg.Notifier), DerefNotifier(newCfg.Notifier)
	if !reflect.DeepEqual(oldN, newN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Any("notifier.events", newN.Events),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

// DerefNotifier returns the notifier section, or the defaults used when it is omitted.
func DerefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{
			Enabled:         true,
			Workers:         2,
			QueueSize:       512,
			RatePerSec:      3,
			RetryMax:        3,
			RetryBase:       "500ms",
			RetryMaxDelay:   "10s",
			DedupWindow:     "1m",
			DedupMaxEntries: 2000,
		}
	}
	return *n
}
