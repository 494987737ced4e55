package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"postbot/internal/delivery"
	"postbot/internal/eventbus"
	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	fails int
	sent  []kit.ChatTarget
	texts []string
	got   chan struct{}
}

func newSender(fails int) *fakeSender {
	return &fakeSender{fails: fails, got: make(chan struct{}, 16)}
}

func (f *fakeSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return kit.MessageRef{}, errors.New("boom")
	}
	f.sent = append(f.sent, to)
	f.texts = append(f.texts, text)
	f.got <- struct{}{}
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeSender) wait(t *testing.T, n int) {
	t.Helper()
	for range n {
		select {
		case <-f.got:
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for a notification")
		}
	}
}

func start(t *testing.T, cfg Config, sender Sender, bus eventbus.Bus) *Service {
	t.Helper()
	cfg.Enabled = true
	cfg.RatePerSec = 100
	s := New(cfg, sender, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestFailedPostNotifiesOwnerAndChats(t *testing.T) {
	bus := eventbus.New()
	sender := newSender(0)
	start(t, Config{Chats: []int64{-500, 7}}, sender, bus)

	bus.Publish(eventbus.Event{Type: "post.failed", Time: time.Now(), Data: delivery.Deferred{
		PostID: 3, OwnerID: 7, ChannelRef: "@news", Deferrals: 5, Error: "permission denied: <forbidden>",
	}})
	sender.wait(t, 2)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	got := map[int64]bool{}
	for _, to := range sender.sent {
		got[to.ChatID] = true
	}
	if len(sender.sent) != 2 || !got[7] || !got[-500] {
		t.Fatalf("targets = %+v", sender.sent)
	}
	text := sender.texts[0]
	if !strings.HasPrefix(text, "🚨 ") || !strings.Contains(text, "#3") || !strings.Contains(text, "&lt;forbidden&gt;") {
		t.Fatalf("text = %q", text)
	}
}

func TestDeliveredIsOptIn(t *testing.T) {
	ev := eventbus.Event{Type: "post.delivered", Data: delivery.Delivered{PostID: 1, OwnerID: 9, ChannelRef: "@c", Client: "primary", Sends: 1}}
	if got := fromEvent(Config{}, time.UTC, ev); len(got) != 0 {
		t.Fatalf("default config notified delivery: %+v", got)
	}
	got := fromEvent(Config{Events: []string{"delivered"}}, time.UTC, ev)
	if len(got) != 1 || got[0].Target.ChatID != 9 || !strings.Contains(got[0].Text, "delivered") {
		t.Fatalf("notifications = %+v", got)
	}
}

func TestRetryThenSend(t *testing.T) {
	sender := newSender(2)
	s := start(t, Config{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, sender, nil)
	if err := s.Notify(context.Background(), Notification{Target: kit.ChatTarget{ChatID: 1}, Text: "hi"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	sender.wait(t, 1)
	if h := s.Snapshot(); len(h) != 1 || h[0].Text != "hi" {
		t.Fatalf("history = %+v", h)
	}
}

func TestDedupWindow(t *testing.T) {
	sender := newSender(0)
	s := start(t, Config{DedupWindow: time.Minute}, sender, nil)
	n := Notification{Target: kit.ChatTarget{ChatID: 1}, Text: "same"}
	for range 3 {
		if err := s.Notify(context.Background(), n); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	sender.wait(t, 1)
	time.Sleep(50 * time.Millisecond)
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d, want 1", len(sender.sent))
	}
}

func TestNotifyDisabled(t *testing.T) {
	t.Parallel()
	s := New(Config{}, newSender(0), logx.Nop(), nil)
	if err := s.Notify(context.Background(), Notification{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v", err)
	}
}

func TestRetryDelayIsCapped(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		if d := retryDelay(cfg, attempt); d <= 0 || d > time.Second {
			t.Fatalf("attempt %d: delay %v", attempt, d)
		}
	}
}
