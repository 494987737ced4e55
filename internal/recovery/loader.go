// Package recovery rebuilds post jobs from the content store.
//
// Run is idempotent: jobs are upserted by post id, so running it again
// converges on the same set of live jobs.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"postbot/internal/delivery"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

const (
	OverdueSend = "send"
	OverdueSkip = "skip"
)

type Config struct {
	// Overdue is OverdueSend (default) or OverdueSkip for pending posts whose
	// time passed while the process was down.
	Overdue string
	// DefaultTimezone is used when a channel has none; empty means UTC.
	DefaultTimezone string
}

type Store interface {
	ListPendingFuture(ctx context.Context, now time.Time) ([]storage.Post, error)
	ListPendingOverdue(ctx context.Context, now time.Time) ([]storage.Post, error)
	ListPendingIDs(ctx context.Context) ([]int64, error)
	GetChannel(ctx context.Context, ref string) (storage.Channel, error)
}

// Report summarizes one pass.
type Report struct {
	Scheduled int
	Overdue   int
	Skipped   int
	Orphans   int
}

type Loader struct {
	store   Store
	jobs    *delivery.Jobs
	deliver delivery.DeliverFunc
	cfg     Config
	log     logx.Logger
	now     func() time.Time
}

func New(store Store, jobs *delivery.Jobs, deliver delivery.DeliverFunc, cfg Config, log logx.Logger) *Loader {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Loader{store: store, jobs: jobs, deliver: deliver, cfg: cfg, log: log, now: time.Now}
}

// Run schedules every pending future post, and overdue posts per Config.Overdue.
// A post that cannot be resolved is logged and skipped.
func (l *Loader) Run(ctx context.Context, now time.Time) (Report, error) {
	var rep Report
	posts, err := l.store.ListPendingFuture(ctx, now)
	if err != nil {
		return rep, fmt.Errorf("list pending posts: %w", err)
	}
	for _, p := range posts {
		if err := l.restore(ctx, p, p.ScheduledAt); err != nil {
			rep.Skipped++
			l.log.Warn("recovery skipped post", logx.Int64("post", p.ID), logx.String("channel", p.ChannelRef), logx.Err(err))
			continue
		}
		rep.Scheduled++
	}

	overdue, err := l.store.ListPendingOverdue(ctx, now)
	if err != nil {
		return rep, fmt.Errorf("list overdue posts: %w", err)
	}
	for _, p := range overdue {
		if l.overduePolicy() == OverdueSkip {
			rep.Skipped++
			l.log.Info("overdue post left pending", logx.Int64("post", p.ID), logx.Time("scheduled", p.ScheduledAt))
			continue
		}
		if err := l.restore(ctx, p, now); err != nil {
			rep.Skipped++
			l.log.Warn("recovery skipped overdue post", logx.Int64("post", p.ID), logx.Err(err))
			continue
		}
		rep.Overdue++
	}

	l.log.Info("recovery done",
		logx.Int("scheduled", rep.Scheduled),
		logx.Int("overdue", rep.Overdue),
		logx.Int("skipped", rep.Skipped),
	)
	return rep, nil
}

// Sweep drops jobs whose post is no longer pending, then runs recovery again.
func (l *Loader) Sweep(ctx context.Context) (Report, error) {
	ids, err := l.store.ListPendingIDs(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list pending ids: %w", err)
	}
	pending := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		pending[id] = struct{}{}
	}

	orphans := 0
	for _, id := range l.jobs.LiveIDs() {
		if _, ok := pending[id]; ok {
			continue
		}
		if l.jobs.Cancel(id) {
			orphans++
			l.log.Info("orphaned post job removed", logx.String("job", delivery.JobID(id)))
		}
	}

	rep, err := l.Run(ctx, l.now())
	rep.Orphans = orphans
	return rep, err
}

func (l *Loader) restore(ctx context.Context, p storage.Post, at time.Time) error {
	if at.IsZero() {
		return errors.New("post has no schedule time")
	}
	loc, err := l.location(ctx, p.ChannelRef)
	if err != nil {
		return err
	}
	if err := l.jobs.Schedule(p.ID, at, l.deliver); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	l.log.Debug("post job restored", logx.Int64("post", p.ID), logx.String("at", at.In(loc).Format("2006-01-02 15:04 MST")))
	return nil
}

// location resolves the channel time zone, falling back to the configured default.
func (l *Loader) location(ctx context.Context, ref string) (*time.Location, error) {
	ch, err := l.store.GetChannel(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("channel %s not registered", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", ref, err)
	}
	for _, tz := range []string{ch.Timezone, l.cfg.DefaultTimezone} {
		tz = strings.TrimSpace(tz)
		if tz == "" {
			continue
		}
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc, nil
		}
		l.log.Warn("invalid timezone ignored", logx.String("channel", ref), logx.String("tz", tz))
	}
	return time.UTC, nil
}

func (l *Loader) overduePolicy() string {
	if strings.EqualFold(strings.TrimSpace(l.cfg.Overdue), OverdueSkip) {
		return OverdueSkip
	}
	return OverdueSend
}
