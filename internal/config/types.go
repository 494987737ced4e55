package config

// Config is the root of the bot configuration file (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "10s", "5m"). Sizes are human
// strings ("50MB", "2GB", "512KiB").
type Config struct {
	Telegram   TelegramConfig    `json:"telegram"`
	Logging    LoggingConfig     `json:"logging"`
	Storage    StorageConfig     `json:"storage"`
	Scheduler  SchedulerConfig   `json:"scheduler"`
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
	Delivery   DeliveryConfig    `json:"delivery"`
	Clients    ClientsConfig     `json:"clients"`
	Reactions  ReactionsConfig   `json:"reactions"`
	Quota      QuotaConfig       `json:"quota"`
	Recovery   RecoveryConfig    `json:"recovery"`
	Notifier   *NotifierConfig   `json:"notifier,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat id receiving the telegram log sink and operator notifications.
	GroupLog string `json:"group_log,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the content store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./postbot.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // "sqlite" (default)
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls the trigger service.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Timezone of cron/interval triggers.
	Timezone string `json:"timezone,omitempty"`
	// DefaultTimezone is used for channels without their own timezone.
	DefaultTimezone string `json:"default_timezone,omitempty"`
}

// TaskEngineConfig controls the execution engine that runs fired jobs.
//
// Defaults (when fields are omitted/zero):
//   - enabled: scheduler.enabled
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 0 (delivery jobs own their retries)
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// DeliveryConfig is the send/retry/deferral policy of scheduled posts.
//
// Defaults: max_attempts 3, retry_base "500ms", retry_cap "2s", defer "5m",
// job_timeout "2m". max_deferrals and max_age 0 mean unlimited.
type DeliveryConfig struct {
	MaxAttempts  int    `json:"max_attempts,omitempty"`
	RetryBase    string `json:"retry_base,omitempty"`
	RetryCap     string `json:"retry_cap,omitempty"`
	Defer        string `json:"defer,omitempty"`
	MaxDeferrals int    `json:"max_deferrals,omitempty"`
	MaxAge       string `json:"max_age,omitempty"`
	KeepSent     bool   `json:"keep_sent,omitempty"`
	JobTimeout   string `json:"job_timeout,omitempty"`
}

// ClientsConfig describes the delivery clients.
//
// The primary client shares the update bot (cloud Bot API, 50MB). The optional
// secondary client talks to a local Bot API server and takes large uploads.
type ClientsConfig struct {
	DisableCooldown string        `json:"disable_cooldown,omitempty"`
	Primary         ClientConfig  `json:"primary"`
	Secondary       *ClientConfig `json:"secondary,omitempty"`
}

type ClientConfig struct {
	// Token defaults to telegram.token.
	Token      string   `json:"token,omitempty"`
	APIURL     string   `json:"api_url,omitempty"`
	MaxSize    string   `json:"max_size,omitempty"`
	Ops        []string `json:"ops,omitempty"`
	ParseMode  string   `json:"parse_mode,omitempty"`
	Timeout    string   `json:"timeout,omitempty"`
	RatePerSec float64  `json:"rate_per_sec,omitempty"`
	Burst      int      `json:"burst,omitempty"`
}

type ReactionsConfig struct {
	// Defaults are offered on posts that configure no reactions.
	Defaults []string `json:"defaults,omitempty"`
	// Cooldown between two reaction taps of one user (default "200ms").
	Cooldown string `json:"cooldown,omitempty"`
}

// QuotaConfig limits what one owner may queue. Zero values disable a limit.
type QuotaConfig struct {
	DailyBytes string `json:"daily_bytes,omitempty"` // e.g. "2GB"
	Cooldown   string `json:"cooldown,omitempty"`
}

type RecoveryConfig struct {
	// Overdue is "send" (default) or "skip".
	Overdue string `json:"overdue,omitempty"`
	// Sweep is a schedule spec for orphan cleanup and re-recovery (default "@every 10m").
	// "off" disables it.
	Sweep string `json:"sweep,omitempty"`
}

// NotifierConfig controls owner notifications about post delivery.
//
// If the whole section is omitted, the notifier runs with defaults.
type NotifierConfig struct {
	Enabled         bool     `json:"enabled"`
	Workers         int      `json:"workers,omitempty"`
	QueueSize       int      `json:"queue_size,omitempty"`
	RatePerSec      int      `json:"rate_per_sec,omitempty"`
	RetryMax        int      `json:"retry_max,omitempty"`
	RetryBase       string   `json:"retry_base,omitempty"`
	RetryMaxDelay   string   `json:"retry_max_delay,omitempty"`
	DedupWindow     string   `json:"dedup_window,omitempty"`
	DedupMaxEntries int      `json:"dedup_max_entries,omitempty"`
	Events          []string `json:"events,omitempty"`
	Timezone        string   `json:"timezone,omitempty"`
}
