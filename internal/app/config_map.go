package app

import (
	"fmt"
	"strings"
	"time"

	"postbot/internal/config"
	"postbot/internal/delivery"
	"postbot/internal/notifier"
	"postbot/internal/posts"
	"postbot/internal/recovery"
	"postbot/internal/storage"
	"postbot/internal/task/engine"
	"postbot/internal/task/scheduler"
	telegram "postbot/internal/transport/telegram/adapter"
	logx "postbot/pkg/logx"
)

const (
	defaultJobTimeout = 2 * time.Minute
	defaultSweep      = "@every 10m"
	sweepTimeout      = time.Minute
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busy,
	}, nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	chatID, _ := config.GroupLogChatID(cfg)
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     chatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: strings.TrimSpace(cfg.Scheduler.Timezone),
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	if te == nil {
		te = &config.TaskEngineConfig{}
	}
	enabled := cfg.Scheduler.Enabled
	if te.Enabled != nil {
		enabled = *te.Enabled
	}
	if cfg.Scheduler.Enabled && !enabled {
		return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
	}
	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	retryMax := te.RetryMax
	if retryMax == 0 {
		// Delivery jobs mark their own errors NoRetry; maintenance jobs are not retried either.
		retryMax = -1
	}
	return engine.Config{
		Enabled:        enabled,
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    te.HistorySize,
		RetryMax:       retryMax,
	}, nil
}

// mapDeliveryPolicy returns the dispatcher policy and the per-job timeout.
func mapDeliveryPolicy(cfg *config.Config) (delivery.Policy, time.Duration, error) {
	d := cfg.Delivery
	var (
		p   delivery.Policy
		err error
	)
	p.MaxAttempts = d.MaxAttempts
	p.MaxDeferrals = d.MaxDeferrals
	p.KeepSent = d.KeepSent
	p.DefaultReactions = append([]string(nil), cfg.Reactions.Defaults...)
	if p.RetryBase, err = config.ParseDurationField("delivery.retry_base", d.RetryBase); err != nil {
		return p, 0, err
	}
	if p.RetryCap, err = config.ParseDurationField("delivery.retry_cap", d.RetryCap); err != nil {
		return p, 0, err
	}
	if p.Defer, err = config.ParseDurationField("delivery.defer", d.Defer); err != nil {
		return p, 0, err
	}
	if p.MaxAge, err = config.ParseDurationField("delivery.max_age", d.MaxAge); err != nil {
		return p, 0, err
	}
	if p.DisableCooldown, err = config.ParseDurationField("clients.disable_cooldown", cfg.Clients.DisableCooldown); err != nil {
		return p, 0, err
	}
	jobTimeout, err := config.ParseDurationOrDefault("delivery.job_timeout", d.JobTimeout, defaultJobTimeout)
	if err != nil {
		return p, 0, err
	}
	return p, jobTimeout, nil
}

func mapClientConfig(path, name, token string, c config.ClientConfig) (telegram.ClientConfig, error) {
	maxSize, err := config.ParseSizeField(path+".max_size", c.MaxSize)
	if err != nil {
		return telegram.ClientConfig{}, err
	}
	timeout, err := config.ParseDurationField(path+".timeout", c.Timeout)
	if err != nil {
		return telegram.ClientConfig{}, err
	}
	if t := strings.TrimSpace(c.Token); t != "" {
		token = t
	}
	return telegram.ClientConfig{
		Name:       name,
		Token:      token,
		APIURL:     strings.TrimSpace(c.APIURL),
		MaxSize:    maxSize,
		Ops:        c.Ops,
		ParseMode:  c.ParseMode,
		Timeout:    timeout,
		RatePerSec: c.RatePerSec,
		Burst:      c.Burst,
	}, nil
}

// mapQuota defaults to 2GB per day and a 60s cooldown; explicit "0" disables a limit.
func mapQuota(cfg *config.Config) (posts.Quota, error) {
	daily, cooldown := cfg.Quota.DailyBytes, cfg.Quota.Cooldown
	if strings.TrimSpace(daily) == "" {
		daily = "2GB"
	}
	if strings.TrimSpace(cooldown) == "" {
		cooldown = "60s"
	}
	dailyBytes, err := config.ParseSizeField("quota.daily_bytes", daily)
	if err != nil {
		return posts.Quota{}, err
	}
	gap, err := config.ParseDurationField("quota.cooldown", cooldown)
	if err != nil {
		return posts.Quota{}, err
	}
	return posts.Quota{DailyBytes: dailyBytes, Cooldown: gap}, nil
}

func mapReactionCooldown(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("reactions.cooldown", cfg.Reactions.Cooldown, 200*time.Millisecond)
}

func mapRecoveryConfig(cfg *config.Config) (recovery.Config, string, error) {
	sweep := strings.TrimSpace(cfg.Recovery.Sweep)
	switch {
	case sweep == "":
		sweep = defaultSweep
	case strings.EqualFold(sweep, "off"):
		sweep = ""
	default:
		if _, err := scheduler.ParseSchedule(sweep); err != nil {
			return recovery.Config{}, "", fmt.Errorf("recovery.sweep: %w", err)
		}
	}
	return recovery.Config{
		Overdue:         strings.ToLower(strings.TrimSpace(cfg.Recovery.Overdue)),
		DefaultTimezone: strings.TrimSpace(cfg.Scheduler.DefaultTimezone),
	}, sweep, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := config.DerefNotifier(cfg.Notifier)
	out := notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		DedupMaxEntries: n.DedupMaxEntries,
		Events:          append([]string(nil), n.Events...),
		Timezone:        strings.TrimSpace(n.Timezone),
	}
	if out.Timezone == "" {
		out.Timezone = strings.TrimSpace(cfg.Scheduler.DefaultTimezone)
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	if chatID, err := config.GroupLogChatID(cfg); err != nil {
		return notifier.Config{}, err
	} else if chatID != 0 {
		out.Chats = []int64{chatID}
	}
	return out, nil
}

// validate is installed as the config manager hook: every mapping must succeed.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapDeliveryPolicy(cfg); err != nil {
		return err
	}
	if _, err := mapClientConfig("clients.primary", "primary", cfg.Telegram.Token, cfg.Clients.Primary); err != nil {
		return err
	}
	if s := cfg.Clients.Secondary; s != nil {
		if _, err := mapClientConfig("clients.secondary", "secondary", cfg.Telegram.Token, *s); err != nil {
			return err
		}
	}
	if _, err := mapQuota(cfg); err != nil {
		return err
	}
	if _, err := mapReactionCooldown(cfg); err != nil {
		return err
	}
	if _, _, err := mapRecoveryConfig(cfg); err != nil {
		return err
	}
	_, err := mapNotifierConfig(cfg)
	return err
}
