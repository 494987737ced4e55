package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"postbot/internal/task/engine"
	logx "postbot/pkg/logx"
)

type fakeEngine struct {
	mu    sync.Mutex
	tasks []engine.Task
	fired chan string
}

func newFakeEngine() *fakeEngine { return &fakeEngine{fired: make(chan string, 16)} }

func (f *fakeEngine) Enqueue(t engine.Task) error {
	f.mu.Lock()
	f.tasks = append(f.tasks, t)
	f.mu.Unlock()
	f.fired <- t.Name
	return nil
}

func (f *fakeEngine) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

func noop(context.Context) error { return nil }

func TestAddOnceIsUpsert(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, newFakeEngine(), logx.Nop(), nil)
	base := time.Now().Add(time.Hour)
	for i := 0; i < 5; i++ {
		if _, err := s.AddOnce("post_1", base.Add(time.Duration(i)*time.Minute), 0, noop); err != nil {
			t.Fatalf("AddOnce: %v", err)
		}
	}
	once := s.Once()
	if len(once) != 1 || once[0].Name != "post_1" {
		t.Fatalf("once = %+v, want exactly post_1", once)
	}
	if want := base.Add(4 * time.Minute); !once[0].At.Equal(want) {
		t.Fatalf("at = %v, want last writer %v", once[0].At, want)
	}
	if !s.Remove("post_1") || s.Has("post_1") {
		t.Fatal("Remove did not drop the job")
	}
	if s.Remove("post_1") {
		t.Fatal("second Remove reported a removal")
	}
}

func TestAddOnceFiresExactlyOnce(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	s := New(Config{Enabled: true}, eng, logx.Nop(), nil)

	_, _ = s.AddOnce("post_2", time.Now().Add(20*time.Millisecond), time.Second, noop)
	select {
	case name := <-eng.fired:
		if name != "post_2" {
			t.Fatalf("fired %q", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("job did not fire")
	}
	time.Sleep(50 * time.Millisecond)
	if eng.count() != 1 {
		t.Fatalf("fired %d times, want 1", eng.count())
	}
	if s.Has("post_2") {
		t.Fatal("fired job is still live")
	}
}

func TestReplacedTimerDoesNotFire(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	s := New(Config{Enabled: true}, eng, logx.Nop(), nil)

	_, _ = s.AddOnce("post_3", time.Now().Add(10*time.Millisecond), 0, noop)
	_, _ = s.AddOnce("post_3", time.Now().Add(time.Hour), 0, noop)
	_, _ = s.AddOnce("post_4", time.Now().Add(10*time.Millisecond), 0, noop)
	s.Remove("post_4")

	time.Sleep(100 * time.Millisecond)
	if eng.count() != 0 {
		t.Fatalf("replaced/removed jobs fired %d times", eng.count())
	}
	if !s.Has("post_3") {
		t.Fatal("replacement job missing")
	}
}

func TestPastTimeFiresImmediately(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	s := New(Config{Enabled: true}, eng, logx.Nop(), nil)

	_, _ = s.AddOnce("post_5", time.Now().Add(-time.Hour), 0, noop)
	select {
	case <-eng.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("past job did not fire")
	}
}

func TestOnceFiresWhenDisabled(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	s := New(Config{Enabled: false}, eng, logx.Nop(), nil)

	_, _ = s.AddOnce("post_7", time.Now().Add(20*time.Millisecond), 0, noop)
	select {
	case name := <-eng.fired:
		if name != "post_7" {
			t.Fatalf("fired %q", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("one-shot job did not fire on a scheduler that was never started")
	}
}

func TestStopKeepsOnceDefinitions(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	s := New(Config{Enabled: true}, eng, logx.Nop(), nil)
	s.Start(context.Background())

	_, _ = s.AddOnce("post_6", time.Now().Add(50*time.Millisecond), 0, noop)
	s.Stop(context.Background())
	time.Sleep(100 * time.Millisecond)
	if eng.count() != 0 {
		t.Fatal("job fired while stopped")
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())
	select {
	case <-eng.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not fire after restart")
	}
}

func TestAddIntervalRegisters(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, newFakeEngine(), logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if _, err := s.AddSchedule("sweep", "10m", time.Minute, noop); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	if _, err := s.AddSchedule("sweep", "*/5 * * * *", time.Minute, noop); err != nil {
		t.Fatalf("AddSchedule cron: %v", err)
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Spec != "*/5 * * * *" {
		t.Fatalf("schedules = %+v", snap.Schedules)
	}
	if snap.Schedules[0].Next.IsZero() {
		t.Fatal("next run not computed")
	}
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in      string
		kind    SpecKind
		every   time.Duration
		wantErr bool
	}{
		{in: "*/5 * * * *", kind: SpecCron},
		{in: "@every 10m", kind: SpecCron},
		{in: "cron:@hourly", kind: SpecCron},
		{in: "55m", kind: SpecInterval, every: 55 * time.Minute},
		{in: "02:30", kind: SpecInterval, every: 2*time.Hour + 30*time.Minute},
		{in: "every:00:50", kind: SpecInterval, every: 50 * time.Minute},
		{in: "interval:1h", kind: SpecInterval, every: time.Hour},
		{in: "", wantErr: true},
		{in: "00:00", wantErr: true},
		{in: "-5m", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseSchedule(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseSchedule(%q) = %+v, want error", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSchedule(%q): %v", tc.in, err)
			}
			if got.Kind != tc.kind || got.Every != tc.every {
				t.Fatalf("ParseSchedule(%q) = %+v", tc.in, got)
			}
		})
	}
}

func TestJitteredEveryDelaysFirstRun(t *testing.T) {
	t.Parallel()
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	sched, jitter := jitteredEvery(time.Minute, now, "recovery.sweep")
	if jitter < 0 || jitter >= maxFirstRunJitter {
		t.Fatalf("jitter = %v, want [0, %v)", jitter, maxFirstRunJitter)
	}
	first := sched.Next(now)
	if want := now.Add(time.Minute + jitter); !first.Equal(want) {
		t.Fatalf("first = %v, want %v", first, want)
	}
	if gap := sched.Next(first).Sub(first); gap <= 59*time.Second || gap > time.Minute {
		t.Fatalf("second run %v after first, want about 1m", gap)
	}

	if _, jitter := jitteredEvery(time.Second, now, "tick"); jitter >= time.Second {
		t.Fatalf("jitter %v not bounded by the interval", jitter)
	}
}
