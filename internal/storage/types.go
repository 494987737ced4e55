package storage

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrDisabled   = errors.New("storage disabled")
	ErrNotFound   = errors.New("not found")
	ErrNotPending = errors.New("post is not pending")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database file
//
// BusyTimeout 0 means 5s.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed:
		return true
	}
	return false
}

// Kind is the content kind of a post.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindFile  Kind = "file"
)

func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindVideo, KindFile:
		return true
	}
	return false
}

// ParseKind accepts a few aliases used by the composition layer.
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "":
		return KindText, true
	case "image", "photo":
		return KindImage, true
	case "video":
		return KindVideo, true
	case "file", "document":
		return KindFile, true
	}
	return "", false
}

// Button is a URL button rendered under a delivered post.
type Button struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// Post is a unit of content plus its delivery metadata.
// A zero ScheduledAt means "no schedule" (send-now candidate).
type Post struct {
	ID          int64
	OwnerID     int64
	ChannelRef  string
	Kind        Kind
	ContentRef  string
	Caption     string
	Buttons     []Button
	Reactions   []string
	FileSize    int64
	ScheduledAt time.Time
	Status      Status
	Attempts    int
	LastError   string
	Sent        MessageRef
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (p Post) Pending() bool { return p.Status == "" || p.Status == StatusPending }

// Channel is a delivery destination.
type Channel struct {
	ID           int64
	ExternalRef  string
	DisplayName  string
	PublicHandle string
	Admin        bool
	OwnerID      int64
	Timezone     string
}

// MessageRef identifies a delivered message.
type MessageRef struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int   `json:"message_id"`
}

func (r MessageRef) IsZero() bool { return r.ChatID == 0 && r.MessageID == 0 }

// ReactionMessage is the control layout registered for a delivered message.
type ReactionMessage struct {
	Ref       MessageRef
	PostID    int64
	Reactions []string
	Buttons   []Button
	CreatedAt time.Time
}

type ToggleResult string

const (
	ToggleAdded    ToggleResult = "added"
	ToggleRemoved  ToggleResult = "removed"
	ToggleSwitched ToggleResult = "switched"
)

// Toggle reports the outcome of a vote toggle.
// Previous/PreviousCount are set only when Result is ToggleSwitched.
type Toggle struct {
	Result        ToggleResult
	Emoji         string
	Count         int
	Previous      string
	PreviousCount int
}

// Usage is a user's daily posting usage.
type Usage struct {
	UserID     int64
	Day        string
	Bytes      int64
	LastPostAt time.Time
}

// NormalizeChannelRef trims the ref and prefixes non-numeric handles with '@'.
func NormalizeChannelRef(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if strings.HasPrefix(ref, "@") || strings.HasPrefix(ref, "-") {
		return ref
	}
	for _, r := range ref {
		if r < '0' || r > '9' {
			return "@" + ref
		}
	}
	return ref
}
