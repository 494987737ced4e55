package posts

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"postbot/internal/delivery"
	"postbot/internal/storage"
	"postbot/internal/task/engine"
	"postbot/internal/task/scheduler"
	logx "postbot/pkg/logx"
)

// fakeDispatcher consumes the post the way a successful delivery does.
type fakeDispatcher struct {
	store *storage.Store

	mu    sync.Mutex
	calls []int64
	fired chan int64
}

func (d *fakeDispatcher) Deliver(ctx context.Context, id int64) error {
	d.mu.Lock()
	d.calls = append(d.calls, id)
	d.mu.Unlock()
	err := d.store.DeletePost(ctx, id)
	if d.fired != nil {
		d.fired <- id
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

func (d *fakeDispatcher) Calls() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int64(nil), d.calls...)
}

type nopLedger struct{}

func (nopLedger) Toggle(ctx context.Context, ref storage.MessageRef, userID int64, emoji string) (storage.Toggle, error) {
	return storage.Toggle{Result: storage.ToggleAdded, Emoji: emoji, Count: 1}, nil
}

func (nopLedger) Markup(ctx context.Context, ref storage.MessageRef) (delivery.Keyboard, error) {
	return nil, nil
}

type fixture struct {
	store *storage.Store
	sched *scheduler.Service
	disp  *fakeDispatcher
	svc   *Service
}

func newFixture(t *testing.T, withEngine bool) *fixture {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Path: filepath.Join(t.TempDir(), "posts.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	var enq scheduler.Enqueuer
	if withEngine {
		eng := engine.New(engine.Config{Enabled: true, Workers: 2, QueueSize: 16}, logx.Nop(), nil)
		eng.Start(context.Background())
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			eng.Stop(ctx)
		})
		enq = eng
	}
	sched := scheduler.New(scheduler.Config{Enabled: true}, enq, logx.Nop(), nil)
	disp := &fakeDispatcher{store: st, fired: make(chan int64, 4)}
	svc := New(st, delivery.NewJobs(sched, time.Minute), disp, nopLedger{}, Quota{}, logx.Nop())
	return &fixture{store: st, sched: sched, disp: disp, svc: svc}
}

func textPost(at time.Time) NewPost {
	return NewPost{OwnerID: 7, ChannelRef: "news", Kind: "text", ContentRef: "hello", ScheduledAt: at}
}

func TestScheduledPostFiresOnce(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	id, err := f.svc.CreatePost(ctx, textPost(time.Now().Add(300*time.Millisecond)))
	if err != nil {
		t.Fatalf("CreatePost: %v", err)
	}
	if !f.sched.Has(delivery.JobID(id)) {
		t.Fatal("job not registered")
	}

	select {
	case got := <-f.disp.fired:
		if got != id {
			t.Fatalf("delivered %d, want %d", got, id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("post was not delivered")
	}
	// Give a duplicate fire the chance to show up.
	time.Sleep(300 * time.Millisecond)

	if calls := f.disp.Calls(); len(calls) != 1 {
		t.Fatalf("dispatcher calls = %v, want exactly one", calls)
	}
	if _, err := f.store.GetPost(ctx, id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("post not consumed: %v", err)
	}
	if f.sched.Has(delivery.JobID(id)) {
		t.Fatal("job still live after firing")
	}
}

func TestRescheduleKeepsOneJob(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	id, err := f.svc.CreatePost(ctx, textPost(time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("CreatePost: %v", err)
	}
	for i := 2; i <= 4; i++ {
		if err := f.svc.ReschedulePost(ctx, id, time.Now().Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatalf("ReschedulePost: %v", err)
		}
	}

	n := 0
	for _, o := range f.sched.Once() {
		if o.Name == delivery.JobID(id) {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("live jobs for post = %d, want 1", n)
	}
	list, err := f.svc.ListScheduled(ctx, 0)
	if err != nil || len(list) != 1 || !list[0].Live {
		t.Fatalf("ListScheduled = %+v, %v", list, err)
	}
	if !list[0].Next.Equal(list[0].Post.ScheduledAt) {
		t.Fatalf("job at %v, post at %v", list[0].Next, list[0].Post.ScheduledAt)
	}
}

// sendingStore marks the post sent right after it is read, as a concurrent
// delivery would.
type sendingStore struct {
	*storage.Store
}

func (s sendingStore) GetPost(ctx context.Context, id int64) (storage.Post, error) {
	p, err := s.Store.GetPost(ctx, id)
	if err == nil {
		err = s.Store.MarkSent(ctx, id, storage.MessageRef{ChatID: 1, MessageID: 9})
	}
	return p, err
}

func TestScheduleDoesNotReviveSentPost(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	id, err := f.store.InsertPost(ctx, storage.Post{OwnerID: 7, ChannelRef: "news", Kind: storage.KindText, ContentRef: "hello"})
	if err != nil {
		t.Fatalf("InsertPost: %v", err)
	}
	svc := New(sendingStore{f.store}, delivery.NewJobs(f.sched, time.Minute), f.disp, nopLedger{}, Quota{}, logx.Nop())

	if err := svc.SchedulePost(ctx, id, time.Now().Add(time.Hour)); !errors.Is(err, ErrNotPending) {
		t.Fatalf("SchedulePost err = %v, want ErrNotPending", err)
	}
	p, err := f.store.GetPost(ctx, id)
	if err != nil {
		t.Fatalf("GetPost: %v", err)
	}
	if p.Status != storage.StatusSent {
		t.Fatalf("status = %q, want sent", p.Status)
	}
	if f.sched.Has(delivery.JobID(id)) {
		t.Fatal("sent post has a live job")
	}
}

func TestScheduleTruncatesToStoredPrecision(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	at := time.Now().Add(time.Hour).Truncate(time.Millisecond).Add(123456 * time.Nanosecond)
	id, err := f.svc.CreatePost(ctx, textPost(at))
	if err != nil {
		t.Fatalf("CreatePost: %v", err)
	}
	list, err := f.svc.ListScheduled(ctx, 0)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListScheduled = %+v, %v", list, err)
	}
	if !list[0].Next.Equal(list[0].Post.ScheduledAt) {
		t.Fatalf("created: job at %v, post at %v", list[0].Next, list[0].Post.ScheduledAt)
	}

	if err := f.svc.SchedulePost(ctx, id, at.Add(time.Hour)); err != nil {
		t.Fatalf("SchedulePost: %v", err)
	}
	list, _ = f.svc.ListScheduled(ctx, 0)
	if len(list) != 1 || !list[0].Next.Equal(list[0].Post.ScheduledAt) {
		t.Fatalf("rescheduled: %+v", list)
	}
	if got := list[0].Next.Nanosecond() % int(time.Millisecond); got != 0 {
		t.Fatalf("job time keeps %dns below a millisecond", got)
	}
}

func TestCancelRemovesPostAndJob(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	id, err := f.svc.CreatePost(ctx, textPost(time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("CreatePost: %v", err)
	}
	if err := f.svc.CancelPost(ctx, id); err != nil {
		t.Fatalf("CancelPost: %v", err)
	}
	if f.sched.Has(delivery.JobID(id)) {
		t.Fatal("job still live")
	}
	if err := f.svc.CancelPost(ctx, id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second cancel err = %v", err)
	}
}

func TestSendPostNowBypassesScheduler(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	id, err := f.svc.CreatePost(ctx, textPost(time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("CreatePost: %v", err)
	}
	if err := f.svc.SendPostNow(ctx, id); err != nil {
		t.Fatalf("SendPostNow: %v", err)
	}
	if calls := f.disp.Calls(); len(calls) != 1 || calls[0] != id {
		t.Fatalf("calls = %v", calls)
	}
	if f.sched.Has(delivery.JobID(id)) {
		t.Fatal("job still live")
	}
}

func TestCreatePostValidation(t *testing.T) {
	f := newFixture(t, false)
	cases := []struct {
		name string
		in   NewPost
	}{
		{"unknown kind", NewPost{ChannelRef: "c", Kind: "sticker", ContentRef: "x"}},
		{"no channel", NewPost{Kind: "text", ContentRef: "x"}},
		{"no content", NewPost{ChannelRef: "c", Kind: "image"}},
		{"bad button", NewPost{ChannelRef: "c", Kind: "text", ContentRef: "x", Buttons: []storage.Button{{Label: "go", URL: "ftp://x"}}}},
		{"empty button", NewPost{ChannelRef: "c", Kind: "text", ContentRef: "x", Buttons: []storage.Button{{Label: "go"}}}},
		{"too many reactions", NewPost{ChannelRef: "c", Kind: "text", ContentRef: "x", Reactions: []string{"1", "2", "3", "4", "5", "6", "7", "8", "9"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.svc.CreatePost(context.Background(), tc.in); !errors.Is(err, ErrInvalid) {
				t.Fatalf("err = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestCreatePostNormalizesAndRegistersChannel(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	id, err := f.svc.CreatePost(ctx, NewPost{
		OwnerID: 1, ChannelRef: "news", Kind: "photo", ContentRef: "AgAD",
		Reactions: []string{"👍", " 👍", "", "❤️"},
	})
	if err != nil {
		t.Fatalf("CreatePost: %v", err)
	}
	p, err := f.store.GetPost(ctx, id)
	if err != nil {
		t.Fatalf("GetPost: %v", err)
	}
	if p.ChannelRef != "@news" || p.Kind != storage.KindImage || len(p.Reactions) != 2 {
		t.Fatalf("post = %+v", p)
	}
	if f.sched.Has(delivery.JobID(id)) {
		t.Fatal("unscheduled post must not have a job")
	}
	ch, err := f.store.GetChannel(ctx, "@news")
	if err != nil || ch.PublicHandle != "@news" {
		t.Fatalf("channel = %+v, %v", ch, err)
	}
}

func TestQuotaAndCooldown(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return now }
	f.svc.SetQuota(Quota{DailyBytes: 100, Cooldown: time.Minute})

	if err := f.store.AddUsage(ctx, 7, 80, now.Add(-2*time.Minute)); err != nil {
		t.Fatalf("AddUsage: %v", err)
	}
	in := NewPost{OwnerID: 7, ChannelRef: "c", Kind: "file", ContentRef: "BQAD", FileSize: 30}
	var le *LimitError
	if _, err := f.svc.CreatePost(ctx, in); !errors.Is(err, ErrQuota) || !errors.As(err, &le) || le.Remaining != 20 {
		t.Fatalf("quota err = %v", err)
	}

	in.FileSize = 10
	if _, err := f.svc.CreatePost(ctx, in); err != nil {
		t.Fatalf("within quota: %v", err)
	}

	if err := f.store.AddUsage(ctx, 7, 10, now.Add(-10*time.Second)); err != nil {
		t.Fatalf("AddUsage: %v", err)
	}
	if _, err := f.svc.CreatePost(ctx, NewPost{OwnerID: 7, ChannelRef: "c", Kind: "text", ContentRef: "x"}); !errors.Is(err, ErrCooldown) {
		t.Fatalf("cooldown err = %v", err)
	}
}

func TestSetChannelTimezoneRejectsUnknownZone(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	if _, err := f.svc.RegisterChannel(ctx, storage.Channel{ExternalRef: "c"}); err != nil {
		t.Fatalf("RegisterChannel: %v", err)
	}
	if err := f.svc.SetChannelTimezone(ctx, "c", "Mars/Olympus"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v", err)
	}
	if err := f.svc.SetChannelTimezone(ctx, "c", "Europe/Paris"); err != nil {
		t.Fatalf("SetChannelTimezone: %v", err)
	}
	ch, _ := f.store.GetChannel(ctx, "@c")
	if ch.Timezone != "Europe/Paris" {
		t.Fatalf("timezone = %q", ch.Timezone)
	}
}

func TestParseWhenUsesChannelZone(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	if err := f.svc.SetDefaultTimezone("Asia/Jakarta"); err != nil {
		t.Fatalf("SetDefaultTimezone: %v", err)
	}
	id, err := f.svc.CreatePost(ctx, textPost(time.Time{}))
	if err != nil {
		t.Fatalf("CreatePost: %v", err)
	}

	got, err := f.svc.ParseWhen(ctx, id, "2030-01-02 10:00")
	if err != nil {
		t.Fatalf("ParseWhen: %v", err)
	}
	if want := time.Date(2030, 1, 2, 3, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("default zone: got %v, want %v", got.UTC(), want)
	}

	if err := f.svc.SetChannelTimezone(ctx, "news", "Europe/London"); err != nil {
		t.Fatalf("SetChannelTimezone: %v", err)
	}
	got, _ = f.svc.ParseWhen(ctx, id, "2030-01-02 10:00")
	if want := time.Date(2030, 1, 2, 10, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("channel zone: got %v, want %v", got.UTC(), want)
	}

	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return now }
	if got, _ := f.svc.ParseWhen(ctx, id, "+90m"); !got.Equal(now.Add(90 * time.Minute)) {
		t.Fatalf("relative: got %v", got)
	}
	if _, err := f.svc.ParseWhen(ctx, id, "tomorrow"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v", err)
	}
}
