// Package posts is the inbound API used by the composition layer and the
// Telegram command router.
package posts

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"postbot/internal/delivery"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

const (
	maxTextRunes    = 4096
	maxCaptionRunes = 1024
	maxButtons      = 10
	maxReactions    = 8
)

// Quota limits how much a single owner can post. Zero values disable a limit.
type Quota struct {
	DailyBytes int64
	Cooldown   time.Duration
}

type Store interface {
	InsertPost(ctx context.Context, p storage.Post) (int64, error)
	GetPost(ctx context.Context, id int64) (storage.Post, error)
	DeletePost(ctx context.Context, id int64) error
	SetSchedule(ctx context.Context, id int64, at time.Time) error
	ListPending(ctx context.Context, limit int) ([]storage.Post, error)
	UpsertChannel(ctx context.Context, c storage.Channel) (int64, error)
	GetChannel(ctx context.Context, ref string) (storage.Channel, error)
	SetChannelTimezone(ctx context.Context, ref, tz string) error
	Usage(ctx context.Context, userID int64, day string) (storage.Usage, error)
}

type Dispatcher interface {
	Deliver(ctx context.Context, postID int64) error
}

type Ledger interface {
	Toggle(ctx context.Context, ref storage.MessageRef, userID int64, emoji string) (storage.Toggle, error)
	Markup(ctx context.Context, ref storage.MessageRef) (delivery.Keyboard, error)
}

// NewPost is the input of CreatePost. A zero ScheduledAt leaves the post
// unscheduled; SchedulePost or SendPostNow picks it up later.
type NewPost struct {
	OwnerID     int64
	ChannelRef  string
	Kind        string
	ContentRef  string
	Caption     string
	Buttons     []storage.Button
	Reactions   []string
	FileSize    int64
	ScheduledAt time.Time
}

// Scheduled is a pending post with its live job, if any.
type Scheduled struct {
	Post storage.Post
	Next time.Time
	Live bool
}

type Service struct {
	store  Store
	jobs   *delivery.Jobs
	disp   Dispatcher
	ledger Ledger
	log    logx.Logger
	now    func() time.Time

	mu    sync.RWMutex
	quota Quota
	loc   *time.Location
}

func New(store Store, jobs *delivery.Jobs, disp Dispatcher, ledger Ledger, quota Quota, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, jobs: jobs, disp: disp, ledger: ledger, quota: quota, loc: time.UTC, log: log, now: time.Now}
}

func (s *Service) SetQuota(q Quota) {
	s.mu.Lock()
	s.quota = q
	s.mu.Unlock()
}

func (s *Service) Quota() Quota {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quota
}

// CreatePost validates and stores a post. Unknown channels are registered on
// the fly so recovery can resolve them later.
func (s *Service) CreatePost(ctx context.Context, in NewPost) (int64, error) {
	p, err := s.validate(in)
	if err != nil {
		return 0, err
	}
	if err := s.checkLimits(ctx, p.OwnerID, p.FileSize); err != nil {
		return 0, err
	}
	if err := s.ensureChannel(ctx, p.ChannelRef, p.OwnerID); err != nil {
		return 0, err
	}

	id, err := s.store.InsertPost(ctx, p)
	if err != nil {
		return 0, err
	}
	if !p.ScheduledAt.IsZero() {
		if err := s.jobs.Schedule(id, p.ScheduledAt, s.disp.Deliver); err != nil {
			return id, fmt.Errorf("schedule post %d: %w", id, err)
		}
	}
	s.log.Info("post created",
		logx.Int64("post", id),
		logx.String("channel", p.ChannelRef),
		logx.String("kind", string(p.Kind)),
		logx.Time("at", p.ScheduledAt),
	)
	return id, nil
}

// SchedulePost sets the post's fire time and upserts its job.
func (s *Service) SchedulePost(ctx context.Context, id int64, when time.Time) error {
	if when.IsZero() {
		return invalid("schedule time required")
	}
	p, err := s.store.GetPost(ctx, id)
	if err != nil {
		return err
	}
	if !p.Pending() {
		return fmt.Errorf("post %d: %w", id, ErrNotPending)
	}
	// The store keeps millisecond precision; the job must carry the same instant.
	when = when.Truncate(time.Millisecond)
	if err := s.store.SetSchedule(ctx, id, when); err != nil {
		if errors.Is(err, storage.ErrNotPending) {
			return fmt.Errorf("post %d: %w", id, ErrNotPending)
		}
		return err
	}
	if err := s.jobs.Schedule(id, when, s.disp.Deliver); err != nil {
		return fmt.Errorf("schedule post %d: %w", id, err)
	}
	s.log.Info("post scheduled", logx.Int64("post", id), logx.Time("at", when))
	return nil
}

// ReschedulePost moves a pending post to a new time. The job is replaced, never duplicated.
func (s *Service) ReschedulePost(ctx context.Context, id int64, when time.Time) error {
	return s.SchedulePost(ctx, id, when)
}

// CancelPost removes the post and its job. A delivery already in flight is not interrupted.
func (s *Service) CancelPost(ctx context.Context, id int64) error {
	s.jobs.Cancel(id)
	if err := s.store.DeletePost(ctx, id); err != nil {
		return err
	}
	s.log.Info("post cancelled", logx.Int64("post", id))
	return nil
}

// SendPostNow bypasses the scheduler and delivers the post on the caller's goroutine.
func (s *Service) SendPostNow(ctx context.Context, id int64) error {
	p, err := s.store.GetPost(ctx, id)
	if err != nil {
		return err
	}
	if !p.Pending() {
		return fmt.Errorf("post %d: %w", id, ErrNotPending)
	}
	s.jobs.Cancel(id)
	return s.disp.Deliver(ctx, id)
}

func (s *Service) ToggleReaction(ctx context.Context, ref storage.MessageRef, userID int64, emoji string) (storage.Toggle, error) {
	return s.ledger.Toggle(ctx, ref, userID, emoji)
}

// ReactionMarkup rebuilds the controls of a delivered message with current counts.
func (s *Service) ReactionMarkup(ctx context.Context, ref storage.MessageRef) (delivery.Keyboard, error) {
	return s.ledger.Markup(ctx, ref)
}

// ListScheduled returns pending posts with their live job time. limit <= 0 means no limit.
func (s *Service) ListScheduled(ctx context.Context, limit int) ([]Scheduled, error) {
	ps, err := s.store.ListPending(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Scheduled, 0, len(ps))
	for _, p := range ps {
		next, live := s.jobs.Next(p.ID)
		out = append(out, Scheduled{Post: p, Next: next, Live: live})
	}
	return out, nil
}

func (s *Service) RegisterChannel(ctx context.Context, c storage.Channel) (int64, error) {
	c.ExternalRef = storage.NormalizeChannelRef(c.ExternalRef)
	if c.ExternalRef == "" {
		return 0, invalid("channel reference required")
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return 0, invalid("timezone %q: %v", c.Timezone, err)
		}
	}
	if strings.HasPrefix(c.ExternalRef, "@") && c.PublicHandle == "" {
		c.PublicHandle = c.ExternalRef
	}
	if c.DisplayName == "" {
		c.DisplayName = c.ExternalRef
	}
	return s.store.UpsertChannel(ctx, c)
}

func (s *Service) SetChannelTimezone(ctx context.Context, ref, tz string) error {
	tz = strings.TrimSpace(tz)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return invalid("timezone %q: %v", tz, err)
		}
	}
	return s.store.SetChannelTimezone(ctx, storage.NormalizeChannelRef(ref), tz)
}

func (s *Service) ensureChannel(ctx context.Context, ref string, owner int64) error {
	_, err := s.store.GetChannel(ctx, ref)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	_, err = s.RegisterChannel(ctx, storage.Channel{ExternalRef: ref, OwnerID: owner})
	return err
}

func (s *Service) validate(in NewPost) (storage.Post, error) {
	kind, ok := storage.ParseKind(in.Kind)
	if !ok {
		return storage.Post{}, invalid("unknown content kind %q", in.Kind)
	}
	ref := storage.NormalizeChannelRef(in.ChannelRef)
	if ref == "" {
		return storage.Post{}, invalid("channel reference required")
	}
	content := strings.TrimSpace(in.ContentRef)
	if content == "" {
		return storage.Post{}, invalid("content required")
	}
	if kind == storage.KindText && utf8.RuneCountInString(content) > maxTextRunes {
		return storage.Post{}, invalid("text longer than %d characters", maxTextRunes)
	}
	if kind != storage.KindText && utf8.RuneCountInString(in.Caption) > maxCaptionRunes {
		return storage.Post{}, invalid("caption longer than %d characters", maxCaptionRunes)
	}
	if in.FileSize < 0 {
		return storage.Post{}, invalid("negative file size")
	}

	buttons, err := normalizeButtons(in.Buttons)
	if err != nil {
		return storage.Post{}, err
	}
	reactions := normalizeReactions(in.Reactions)
	if len(reactions) > maxReactions {
		return storage.Post{}, invalid("at most %d reactions", maxReactions)
	}

	return storage.Post{
		OwnerID:     in.OwnerID,
		ChannelRef:  ref,
		Kind:        kind,
		ContentRef:  content,
		Caption:     in.Caption,
		Buttons:     buttons,
		Reactions:   reactions,
		FileSize:    in.FileSize,
		ScheduledAt: in.ScheduledAt.Truncate(time.Millisecond),
		Status:      storage.StatusPending,
	}, nil
}

func normalizeButtons(in []storage.Button) ([]storage.Button, error) {
	if len(in) > maxButtons {
		return nil, invalid("at most %d buttons", maxButtons)
	}
	out := make([]storage.Button, 0, len(in))
	for _, b := range in {
		b.Label = strings.TrimSpace(b.Label)
		b.URL = strings.TrimSpace(b.URL)
		if b.Label == "" || b.URL == "" {
			return nil, invalid("button needs a label and a url")
		}
		u, err := url.Parse(b.URL)
		if err != nil || (u.Host == "" && u.Scheme != "tg") {
			return nil, invalid("button url %q", b.URL)
		}
		switch u.Scheme {
		case "http", "https", "tg":
		default:
			return nil, invalid("button url scheme %q", u.Scheme)
		}
		out = append(out, b)
	}
	return out, nil
}

func normalizeReactions(in []string) []string {
	out := make([]string, 0, len(in))
	for _, r := range in {
		r = strings.TrimSpace(r)
		if r == "" || slices.Contains(out, r) {
			continue
		}
		out = append(out, r)
	}
	return out
}
