package notifier

import (
	"time"

	kit "postbot/internal/transport"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int

	// Events lists reported post events: "delivered", "deferred", "failed".
	// Empty means deferred and failed.
	Events []string
	// Chats also receive every notification (e.g. an operator log group).
	Chats []int64
	// Timezone formats times in messages; empty means UTC.
	Timezone string
}

type Notification struct {
	Priority int // 0 low .. 10 high
	Target   kit.ChatTarget
	Text     string
	Options  *kit.SendOptions
}

type HistoryItem struct {
	At   time.Time
	Text string
}

// NotificationEvent is published on the bus for notifier lifecycle events.
type NotificationEvent struct {
	ChatID int64     `json:"chat_id"`
	Key    string    `json:"key"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}
