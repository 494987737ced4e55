package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Validate rejects configs the bot cannot run with. It is used on load and
// before a hot reload is committed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := GroupLogChatID(cfg); err != nil {
		return err
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver)
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}

	for _, tz := range []struct{ path, v string }{
		{"scheduler.timezone", cfg.Scheduler.Timezone},
		{"scheduler.default_timezone", cfg.Scheduler.DefaultTimezone},
	} {
		if err := checkTimezone(tz.path, tz.v); err != nil {
			return err
		}
	}

	if te := cfg.TaskEngine; te != nil {
		if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
			return errors.New("task_engine: workers, queue_size, history_size and retry_max must be >= 0")
		}
		if cfg.Scheduler.Enabled && te.Enabled != nil && !*te.Enabled {
			return errors.New("task_engine.enabled cannot be false while scheduler.enabled is true")
		}
	}

	if cfg.Delivery.MaxAttempts < 0 || cfg.Delivery.MaxDeferrals < 0 {
		return errors.New("delivery: max_attempts and max_deferrals must be >= 0")
	}
	if cfg.Clients.Primary.RatePerSec < 0 || cfg.Clients.Primary.Burst < 0 {
		return errors.New("clients.primary: rate_per_sec and burst must be >= 0")
	}
	if s := cfg.Clients.Secondary; s != nil {
		if strings.TrimSpace(s.APIURL) == "" {
			return errors.New("clients.secondary.api_url is required")
		}
		if s.RatePerSec < 0 || s.Burst < 0 {
			return errors.New("clients.secondary: rate_per_sec and burst must be >= 0")
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Recovery.Overdue)) {
	case "", "send", "skip":
	default:
		return fmt.Errorf("recovery.overdue: want send or skip, got %q", cfg.Recovery.Overdue)
	}

	if n := cfg.Notifier; n != nil {
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
			return errors.New("notifier: numeric fields must be >= 0")
		}
		for _, ev := range n.Events {
			switch ev {
			case "delivered", "deferred", "failed":
			default:
				return fmt.Errorf("notifier.events: unknown event %q", ev)
			}
		}
		if err := checkTimezone("notifier.timezone", n.Timezone); err != nil {
			return err
		}
	}

	return checkFields(cfg)
}

// checkFields parses every duration and size string.
func checkFields(cfg *Config) error {
	durations := []struct{ path, v string }{
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"delivery.retry_base", cfg.Delivery.RetryBase},
		{"delivery.retry_cap", cfg.Delivery.RetryCap},
		{"delivery.defer", cfg.Delivery.Defer},
		{"delivery.max_age", cfg.Delivery.MaxAge},
		{"delivery.job_timeout", cfg.Delivery.JobTimeout},
		{"clients.disable_cooldown", cfg.Clients.DisableCooldown},
		{"clients.primary.timeout", cfg.Clients.Primary.Timeout},
		{"reactions.cooldown", cfg.Reactions.Cooldown},
		{"quota.cooldown", cfg.Quota.Cooldown},
	}
	sizes := []struct{ path, v string }{
		{"clients.primary.max_size", cfg.Clients.Primary.MaxSize},
		{"quota.daily_bytes", cfg.Quota.DailyBytes},
	}
	if te := cfg.TaskEngine; te != nil {
		durations = append(durations,
			struct{ path, v string }{"task_engine.default_timeout", te.DefaultTimeout},
			struct{ path, v string }{"task_engine.max_queue_delay", te.MaxQueueDelay},
		)
	}
	if s := cfg.Clients.Secondary; s != nil {
		durations = append(durations, struct{ path, v string }{"clients.secondary.timeout", s.Timeout})
		sizes = append(sizes, struct{ path, v string }{"clients.secondary.max_size", s.MaxSize})
	}
	if n := cfg.Notifier; n != nil {
		durations = append(durations,
			struct{ path, v string }{"notifier.retry_base", n.RetryBase},
			struct{ path, v string }{"notifier.retry_max_delay", n.RetryMaxDelay},
			struct{ path, v string }{"notifier.dedup_window", n.DedupWindow},
		)
	}

	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.v); err != nil {
			return err
		}
	}
	for _, s := range sizes {
		if _, err := ParseSizeField(s.path, s.v); err != nil {
			return err
		}
	}
	return nil
}

func checkTimezone(path, tz string) error {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return nil
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("%s: invalid %q: %w", path, tz, err)
	}
	return nil
}

// GroupLogChatID parses telegram.group_log. Empty means 0.
func GroupLogChatID(cfg *Config) (int64, error) {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram.group_log: invalid chat id %q", raw)
	}
	return id, nil
}
