package recovery

import (
	"context"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"postbot/internal/delivery"
	"postbot/internal/storage"
	"postbot/internal/task/scheduler"
	logx "postbot/pkg/logx"
)

// fakeScheduler records one-shot jobs without arming timers.
type fakeScheduler struct {
	mu   sync.Mutex
	once map[string]scheduler.OnceInfo
	adds int
}

func (f *fakeScheduler) AddOnce(name string, at time.Time, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adds++
	f.once[name] = scheduler.OnceInfo{Name: name, At: at, Timeout: timeout}
	return name, nil
}

func (f *fakeScheduler) Remove(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.once[name]
	delete(f.once, name)
	return ok
}

func (f *fakeScheduler) Has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.once[name]
	return ok
}

func (f *fakeScheduler) Once() []scheduler.OnceInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]scheduler.OnceInfo, 0, len(f.once))
	for _, o := range f.once {
		out = append(out, o)
	}
	return out
}

type fixture struct {
	store  *storage.Store
	sched  *fakeScheduler
	jobs   *delivery.Jobs
	loader *Loader
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Path: filepath.Join(t.TempDir(), "rec.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	sched := &fakeScheduler{once: map[string]scheduler.OnceInfo{}}
	jobs := delivery.NewJobs(sched, time.Minute)
	deliver := func(ctx context.Context, id int64) error { return nil }
	return &fixture{store: st, sched: sched, jobs: jobs, loader: New(st, jobs, deliver, cfg, logx.Nop())}
}

func (f *fixture) post(t *testing.T, channel string, at time.Time) int64 {
	t.Helper()
	id, err := f.store.InsertPost(context.Background(), storage.Post{ChannelRef: channel, Kind: storage.KindText, ContentRef: "x", ScheduledAt: at})
	if err != nil {
		t.Fatalf("InsertPost: %v", err)
	}
	return id
}

func (f *fixture) live() []string {
	var names []string
	for _, o := range f.sched.Once() {
		names = append(names, o.Name)
	}
	slices.Sort(names)
	return names
}

func TestRunIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{DefaultTimezone: "Asia/Jakarta"})
	ctx := context.Background()
	_, _ = f.store.UpsertChannel(ctx, storage.Channel{ExternalRef: "@a", Timezone: "Europe/Berlin"})
	_, _ = f.store.UpsertChannel(ctx, storage.Channel{ExternalRef: "@b"})
	now := time.Now()
	f.post(t, "@a", now.Add(time.Hour))
	f.post(t, "@b", now.Add(2*time.Hour))

	rep, err := f.loader.Run(ctx, now)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Scheduled != 2 {
		t.Fatalf("report = %+v", rep)
	}
	first := f.live()

	if _, err := f.loader.Run(ctx, now); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if second := f.live(); !slices.Equal(first, second) {
		t.Fatalf("jobs changed: %v -> %v", first, second)
	}
	if len(first) != 2 {
		t.Fatalf("live jobs = %v", first)
	}
}

func TestRunSkipsUnresolvablePosts(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	_, _ = f.store.UpsertChannel(ctx, storage.Channel{ExternalRef: "@ok", Timezone: "Not/AZone"})
	now := time.Now()
	good := f.post(t, "@ok", now.Add(time.Hour))
	f.post(t, "@missing", now.Add(time.Hour))

	rep, err := f.loader.Run(ctx, now)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Scheduled != 1 || rep.Skipped != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if !f.jobs.Live(good) {
		t.Fatal("resolvable post not scheduled")
	}
}

func TestRunOverduePolicy(t *testing.T) {
	for _, tc := range []struct {
		policy string
		live   bool
	}{
		{policy: "", live: true},
		{policy: OverdueSend, live: true},
		{policy: OverdueSkip, live: false},
	} {
		f := newFixture(t, Config{Overdue: tc.policy})
		ctx := context.Background()
		_, _ = f.store.UpsertChannel(ctx, storage.Channel{ExternalRef: "@c"})
		id := f.post(t, "@c", time.Now().Add(-time.Hour))

		now := time.Now()
		rep, err := f.loader.Run(ctx, now)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if got := f.jobs.Live(id); got != tc.live {
			t.Fatalf("policy %q: live = %v, want %v", tc.policy, got, tc.live)
		}
		if !tc.live {
			continue
		}
		if rep.Overdue != 1 {
			t.Fatalf("policy %q: report = %+v", tc.policy, rep)
		}
		if at, _ := f.jobs.Next(id); !at.Equal(now) {
			t.Fatalf("overdue job at %v, want %v", at, now)
		}
	}
}

func TestSweepRemovesOrphans(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	_, _ = f.store.UpsertChannel(ctx, storage.Channel{ExternalRef: "@c"})
	id := f.post(t, "@c", time.Now().Add(time.Hour))
	if _, err := f.loader.Run(ctx, time.Now()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	_ = f.store.DeletePost(ctx, id)
	_ = f.jobs.Schedule(999, time.Now().Add(time.Hour), func(context.Context, int64) error { return nil })

	rep, err := f.loader.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.Orphans != 2 {
		t.Fatalf("orphans = %d, want 2", rep.Orphans)
	}
	if len(f.live()) != 0 {
		t.Fatalf("live jobs = %v", f.live())
	}
}
