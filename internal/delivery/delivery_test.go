package delivery

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"postbot/internal/eventbus"
	"postbot/internal/storage"
	"postbot/internal/task/scheduler"
	logx "postbot/pkg/logx"
)

type fakeClient struct {
	name    string
	maxSize int64
	ops     map[Operation]bool

	mu    sync.Mutex
	errs  []error
	sends int
}

func newClient(name string, maxSize int64, errs ...error) *fakeClient {
	return &fakeClient{name: name, maxSize: maxSize, ops: map[Operation]bool{OpText: true, OpUpload: true}, errs: errs}
}

func (c *fakeClient) Name() string               { return c.name }
func (c *fakeClient) MaxSize() int64             { return c.maxSize }
func (c *fakeClient) Supports(op Operation) bool { return c.ops[op] }

func (c *fakeClient) Sends() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sends
}

func (c *fakeClient) Send(ctx context.Context, p Payload) (MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends++
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		if err != nil {
			return MessageRef{}, err
		}
	}
	return MessageRef{ChatID: -100, MessageID: 10 + c.sends}, nil
}

type fakeLedger struct {
	mu   sync.Mutex
	refs []MessageRef
}

func (l *fakeLedger) Register(ctx context.Context, ref MessageRef, postID int64, reactions []string, buttons []storage.Button) error {
	l.mu.Lock()
	l.refs = append(l.refs, ref)
	l.mu.Unlock()
	return nil
}

type harness struct {
	store  *storage.Store
	sched  *scheduler.Service
	jobs   *Jobs
	ledger *fakeLedger
	bus    eventbus.Bus
	disp   *Dispatcher
	waits  []time.Duration
}

func newHarness(t *testing.T, policy Policy, clients ...Client) *harness {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Path: filepath.Join(t.TempDir(), "d.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{store: st, ledger: &fakeLedger{}, bus: eventbus.New()}
	// No engine: jobs are only registered, never run.
	h.sched = scheduler.New(scheduler.Config{Enabled: true}, nil, logx.Nop(), nil)
	h.jobs = NewJobs(h.sched, time.Minute)
	h.disp = NewDispatcher(st, NewPool(clients...), h.jobs, h.ledger, h.bus, policy, logx.Nop())
	h.disp.sleep = func(ctx context.Context, d time.Duration) error {
		h.waits = append(h.waits, d)
		return nil
	}
	return h
}

func (h *harness) insert(t *testing.T, p storage.Post) int64 {
	t.Helper()
	if p.Kind == "" {
		p.Kind = storage.KindText
	}
	if p.ChannelRef == "" {
		p.ChannelRef = "@chan"
	}
	id, err := h.store.InsertPost(context.Background(), p)
	if err != nil {
		t.Fatalf("InsertPost: %v", err)
	}
	return id
}

func (h *harness) schedule(t *testing.T, id int64, at time.Time) {
	t.Helper()
	if err := h.jobs.Schedule(id, at, h.disp.Deliver); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
}

func TestDeliverRateLimitWaitIsCapped(t *testing.T) {
	primary := newClient("primary", 50<<20, &RateLimited{Wait: 30 * time.Second})
	h := newHarness(t, Policy{RetryCap: 2 * time.Second}, primary)
	id := h.insert(t, storage.Post{ContentRef: "hello"})
	h.schedule(t, id, time.Now().Add(time.Hour))

	if err := h.disp.Deliver(context.Background(), id); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	var total time.Duration
	for _, w := range h.waits {
		total += w
	}
	if total > 2*time.Second || len(h.waits) != 1 {
		t.Fatalf("waits = %v, want one wait <= 2s", h.waits)
	}
	if primary.Sends() != 2 {
		t.Fatalf("sends = %d, want 2", primary.Sends())
	}
	if _, err := h.store.GetPost(context.Background(), id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("post still stored: %v", err)
	}
}

func TestDeliverTooLargeFallsBack(t *testing.T) {
	primary := newClient("primary", 50<<20, ErrTooLarge)
	secondary := newClient("secondary", 2000<<20)
	h := newHarness(t, Policy{}, primary, secondary)
	id := h.insert(t, storage.Post{Kind: storage.KindVideo, ContentRef: "file", FileSize: 10 << 20})

	if err := h.disp.Deliver(context.Background(), id); err != nil {
		t.Fatalf("Deliver surfaced error: %v", err)
	}
	if primary.Sends() != 1 || secondary.Sends() != 1 {
		t.Fatalf("sends primary=%d secondary=%d", primary.Sends(), secondary.Sends())
	}
	if _, err := h.store.GetPost(context.Background(), id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatal("post not consumed")
	}
}

func TestDeliverSuccessInvariant(t *testing.T) {
	for _, keep := range []bool{false, true} {
		h := newHarness(t, Policy{KeepSent: keep}, newClient("primary", 0))
		delivered, unsub := h.bus.Subscribe(1, "post.delivered")
		id := h.insert(t, storage.Post{ContentRef: "hi", Reactions: []string{"👍"}, OwnerID: 9})
		h.schedule(t, id, time.Now().Add(time.Hour))

		if err := h.disp.Deliver(context.Background(), id); err != nil {
			t.Fatalf("Deliver: %v", err)
		}
		if h.jobs.Live(id) {
			t.Fatalf("keep=%v: job %s still live", keep, JobID(id))
		}
		p, err := h.store.GetPost(context.Background(), id)
		switch {
		case keep && (err != nil || p.Status != storage.StatusSent):
			t.Fatalf("keep: post = %+v, %v; want sent", p, err)
		case !keep && !errors.Is(err, storage.ErrNotFound):
			t.Fatalf("post still pending: %+v", p)
		}
		if len(h.ledger.refs) != 1 {
			t.Fatalf("ledger registrations = %d, want 1", len(h.ledger.refs))
		}
		select {
		case ev := <-delivered:
			if ev.Data.(Delivered).PostID != id {
				t.Fatalf("event = %+v", ev)
			}
		default:
			t.Fatal("no post.delivered event")
		}
		unsub()
	}
}

func TestDeliverMissingPostIsNoop(t *testing.T) {
	c := newClient("primary", 0)
	h := newHarness(t, Policy{}, c)
	if err := h.disp.Deliver(context.Background(), 404); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if c.Sends() != 0 {
		t.Fatal("sent a missing post")
	}
}

func TestDeliverPermanentFailureDefers(t *testing.T) {
	c := newClient("primary", 0, ErrPermissionDenied)
	h := newHarness(t, Policy{Defer: 5 * time.Minute}, c)
	id := h.insert(t, storage.Post{ContentRef: "hi"})
	before := time.Now()

	if err := h.disp.Deliver(context.Background(), id); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Deliver err = %v, want ErrPermissionDenied", err)
	}
	if c.Sends() != 1 {
		t.Fatalf("permanent error retried: %d sends", c.Sends())
	}
	p, err := h.store.GetPost(context.Background(), id)
	if err != nil || !p.Pending() || p.Attempts != 1 {
		t.Fatalf("post = %+v, %v; want pending with 1 deferral", p, err)
	}
	if p.ScheduledAt.Before(before.Add(5*time.Minute - time.Second)) {
		t.Fatalf("scheduled = %v, want ~now+5m", p.ScheduledAt)
	}
	if !h.jobs.Live(id) {
		t.Fatal("deferred post has no job")
	}
}

func TestDeliverGivesUpAfterMaxDeferrals(t *testing.T) {
	c := newClient("primary", 0, ErrPermissionDenied, ErrPermissionDenied)
	h := newHarness(t, Policy{MaxDeferrals: 2}, c)
	failed, unsub := h.bus.Subscribe(1, "post.failed")
	defer unsub()
	id := h.insert(t, storage.Post{ContentRef: "hi"})

	_ = h.disp.Deliver(context.Background(), id)
	if !h.jobs.Live(id) {
		t.Fatal("first failure should defer")
	}
	_ = h.disp.Deliver(context.Background(), id)
	p, _ := h.store.GetPost(context.Background(), id)
	if p.Status != storage.StatusFailed {
		t.Fatalf("status = %q, want failed", p.Status)
	}
	if h.jobs.Live(id) {
		t.Fatal("failed post still has a job")
	}
	select {
	case <-failed:
	default:
		t.Fatal("no post.failed event")
	}
	// A failed post is not pending: a stray fire does nothing.
	if err := h.disp.Deliver(context.Background(), id); err != nil || c.Sends() != 2 {
		t.Fatalf("failed post redelivered: err=%v sends=%d", err, c.Sends())
	}
}

func TestDeliverTransientExhausted(t *testing.T) {
	c := newClient("primary", 0, ErrTimeout, ErrTimeout, ErrTimeout, nil)
	h := newHarness(t, Policy{MaxAttempts: 3, RetryBase: 100 * time.Millisecond}, c)
	id := h.insert(t, storage.Post{ContentRef: "hi"})

	if err := h.disp.Deliver(context.Background(), id); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if c.Sends() != 3 {
		t.Fatalf("sends = %d, want 3", c.Sends())
	}
	if len(h.waits) != 2 || h.waits[0] != 100*time.Millisecond {
		t.Fatalf("waits = %v", h.waits)
	}
}

func TestDeliverPeerErrorDisablesClient(t *testing.T) {
	primary := newClient("primary", 50<<20, ErrPeerUnresolvable)
	secondary := newClient("secondary", 2000<<20)
	h := newHarness(t, Policy{}, primary, secondary)
	id := h.insert(t, storage.Post{ContentRef: "hi"})

	if err := h.disp.Deliver(context.Background(), id); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if h.disp.pool.Healthy("primary") {
		t.Fatal("primary not disabled")
	}
	if c, _ := h.disp.pool.Select(1, OpText); c.Name() != "secondary" {
		t.Fatalf("selected %s while primary disabled", c.Name())
	}
}

func TestSelect(t *testing.T) {
	t.Parallel()
	primary := newClient("primary", 50<<20)
	secondary := newClient("secondary", 2000<<20)
	textOnly := newClient("text", 1<<20)
	textOnly.ops = map[Operation]bool{OpText: true}
	clients := []Client{secondary, primary, textOnly}
	now := time.Now()

	cases := []struct {
		name    string
		size    int64
		op      Operation
		health  Health
		want    string
		wantErr error
	}{
		{name: "small upload prefers primary", size: 1 << 20, op: OpUpload, want: "primary"},
		{name: "large upload uses secondary", size: 100 << 20, op: OpUpload, want: "secondary"},
		{name: "text prefers smallest", size: 0, op: OpText, want: "text"},
		{name: "disabled primary skipped", size: 1 << 20, op: OpUpload, health: Health{"primary": now.Add(time.Minute)}, want: "secondary"},
		{name: "expired cooldown is healthy", size: 1 << 20, op: OpUpload, health: Health{"primary": now.Add(-time.Minute)}, want: "primary"},
		{name: "all disabled picks soonest", size: 1 << 20, op: OpUpload, health: Health{"primary": now.Add(time.Hour), "secondary": now.Add(time.Minute)}, want: "secondary"},
		{name: "too large", size: 3000 << 20, op: OpUpload, wantErr: ErrTooLarge},
		{name: "unknown op", op: Operation("rename"), wantErr: ErrNoClient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Select(clients, tc.size, tc.op, tc.health, now)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil || got.Name() != tc.want {
				t.Fatalf("Select = %v, %v; want %s", got, err, tc.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	cases := map[error]Class{
		nil:                             ClassNone,
		&RateLimited{Wait: time.Second}: ClassTransient,
		ErrTimeout:                      ClassTransient,
		context.DeadlineExceeded:        ClassTransient,
		ErrTooLarge:                     ClassCapability,
		ErrPeerUnresolvable:             ClassPeer,
		ErrPermissionDenied:             ClassPermanent,
		errors.New("boom"):              ClassPermanent,
	}
	for err, want := range cases {
		if got := Classify(err); got != want {
			t.Fatalf("Classify(%v) = %v, want %v", err, got, want)
		}
	}
}

func TestBuildKeyboard(t *testing.T) {
	t.Parallel()
	kb := BuildKeyboard(
		[]string{"👍", "🔥", "😂", "😢", "😡"},
		map[string]int{"🔥": 3},
		[]storage.Button{{Label: "Site", URL: "https://example.org"}, {Label: "", URL: "https://skip"}},
	)
	if len(kb) != 3 {
		t.Fatalf("rows = %d, want 3", len(kb))
	}
	if len(kb[0]) != 4 || len(kb[1]) != 1 {
		t.Fatalf("reaction rows = %d/%d, want 4/1", len(kb[0]), len(kb[1]))
	}
	if kb[0][1].Text != "🔥 3" || kb[0][1].Data != "r:🔥" {
		t.Fatalf("button = %+v", kb[0][1])
	}
	if kb[2][0].URL != "https://example.org" {
		t.Fatalf("url row = %+v", kb[2])
	}
}

func TestJobIDRoundTrip(t *testing.T) {
	t.Parallel()
	if JobID(42) != "post_42" {
		t.Fatalf("JobID = %s", JobID(42))
	}
	if id, ok := ParseJobID("post_42"); !ok || id != 42 {
		t.Fatalf("ParseJobID = %d, %v", id, ok)
	}
	for _, bad := range []string{"sweep", "post_", "post_x", "post_-1"} {
		if _, ok := ParseJobID(bad); ok {
			t.Fatalf("ParseJobID(%q) accepted", bad)
		}
	}
}
