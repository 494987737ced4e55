package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"postbot/internal/eventbus"
	logx "postbot/pkg/logx"
)

func startEngine(t *testing.T, cfg Config, bus eventbus.Bus) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, ch <-chan eventbus.Event) eventbus.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return eventbus.Event{}
}

func TestEnqueueRunsTask(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	done, unsub := bus.Subscribe(4, "task.finished")
	defer unsub()
	s := startEngine(t, Config{Workers: 1}, bus)

	var ran atomic.Bool
	if err := s.Enqueue(Task{Name: "job", Run: func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	ev := waitFor(t, done)
	if te := ev.Data.(TaskEvent); te.Name != "job" || te.ID == "" {
		t.Fatalf("event = %+v", te)
	}
	if !ran.Load() {
		t.Fatal("task did not run")
	}
}

func TestNoRetryStopsAfterFirstAttempt(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	failed, unsub := bus.Subscribe(4, "task.failed")
	defer unsub()
	s := startEngine(t, Config{Workers: 1, RetryMax: 3}, bus)

	var runs atomic.Int32
	_ = s.Enqueue(Task{Name: "permanent", Run: func(ctx context.Context) error {
		runs.Add(1)
		return NoRetry(errors.New("bad"))
	}})
	ev := waitFor(t, failed)
	te := ev.Data.(TaskEvent)
	if runs.Load() != 1 || te.Attempts != 1 || te.Error != "bad" {
		t.Fatalf("runs=%d event=%+v", runs.Load(), te)
	}
}

func TestRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	done, unsub := bus.Subscribe(4, "task.finished")
	defer unsub()
	s := startEngine(t, Config{Workers: 1, RetryMax: 2}, bus)

	var runs atomic.Int32
	_ = s.Enqueue(Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond},
		Run: func(ctx context.Context) error {
			if runs.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
	})
	ev := waitFor(t, done)
	if te := ev.Data.(TaskEvent); te.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", te.Attempts)
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	failed, unsub := bus.Subscribe(4, "task.failed")
	defer unsub()
	s := startEngine(t, Config{Workers: 1, RetryMax: -1}, bus)

	_ = s.Enqueue(Task{Name: "panics", Run: func(ctx context.Context) error { panic("boom") }})
	ev := waitFor(t, failed)
	if te := ev.Data.(TaskEvent); te.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", te.Attempts)
	}
}

func TestOverlapSkip(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1}, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	st := &RunState{}
	_ = s.Enqueue(Task{Name: "slow", State: st, Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}})
	<-started
	err := s.Enqueue(Task{Name: "slow", State: st, Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(ctx context.Context) error { return nil }})
	close(release)
	if !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("err = %v, want ErrOverlapSkip", err)
	}
}

func TestEnqueueDisabledAndStopped(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled err = %v", err)
	}
	s = New(Config{Enabled: true}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("stopped err = %v", err)
	}
}

func TestBackoffDelayWithHintIsCapped(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryMaxDelay: 2 * time.Second, RetryJitter: 0.2}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		d := backoffDelayWithHint(opt, 1, RetryAfter(errors.New("429"), 30*time.Second), rng)
		if d > 2*time.Second {
			t.Fatalf("delay %v exceeds cap", d)
		}
	}
}
