package router

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"postbot/internal/delivery"
	"postbot/internal/posts"
	"postbot/internal/reaction"
	"postbot/internal/storage"
	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

type fakeAdapter struct {
	mu      sync.Mutex
	texts   []string
	answers []string
	edits   []delivery.Keyboard
}

func (a *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(ctx context.Context) error                        { return nil }

func (a *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.texts = append(a.texts, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(a.texts)}, nil
}

func (a *fakeAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	return nil
}

func (a *fakeAdapter) EditMarkup(ctx context.Context, ref kit.MessageRef, kb delivery.Keyboard) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.edits = append(a.edits, kb)
	return nil
}

func (a *fakeAdapter) AnswerCallback(ctx context.Context, id string, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.answers = append(a.answers, text)
	return nil
}

func (a *fakeAdapter) last() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.texts) == 0 {
		return ""
	}
	return a.texts[len(a.texts)-1]
}

type fakePosts struct {
	PostsPort

	scheduled []posts.Scheduled
	cancelled []int64
	toggles   int
}

func (f *fakePosts) CancelPost(ctx context.Context, id int64) error {
	if id == 404 {
		return storage.ErrNotFound
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakePosts) ListScheduled(ctx context.Context, limit int) ([]posts.Scheduled, error) {
	return f.scheduled, nil
}

func (f *fakePosts) Location(ctx context.Context, ref string) *time.Location { return time.UTC }

func (f *fakePosts) ToggleReaction(ctx context.Context, ref storage.MessageRef, user int64, emoji string) (storage.Toggle, error) {
	if emoji == "🤖" {
		return storage.Toggle{}, reaction.ErrUnknownEmoji
	}
	f.toggles++
	return storage.Toggle{Result: storage.ToggleAdded, Emoji: emoji, Count: 1}, nil
}

func (f *fakePosts) ReactionMarkup(ctx context.Context, ref storage.MessageRef) (delivery.Keyboard, error) {
	return delivery.BuildKeyboard([]string{"👍"}, map[string]int{"👍": 1}, nil), nil
}

func newManager(svc PostsPort) (*CommandManager, *fakeAdapter) {
	ad := &fakeAdapter{}
	m := NewCommandManager(logx.Nop(), ad, []int64{1})
	m.SetRegistry(PostCommands(svc), []CallbackRoute{NewReactions(svc).Route()})
	return m, ad
}

// drain runs every queued job on the calling goroutine.
func drain(m *CommandManager) {
	for {
		select {
		case job := <-m.jobs:
			job()
		default:
			return
		}
	}
}

func message(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 10, FromID: from, Text: text}}
}

func TestOwnerOnlyCommands(t *testing.T) {
	svc := &fakePosts{}
	m, ad := newManager(svc)
	ctx := context.Background()

	m.routeMessage(ctx, message(2, "/cancel 5"))
	drain(m)
	if ad.last() != "unauthorized" || len(svc.cancelled) != 0 {
		t.Fatalf("non-owner: reply %q, cancelled %v", ad.last(), svc.cancelled)
	}

	m.routeMessage(ctx, message(1, "/cancel@postbot #5"))
	drain(m)
	if len(svc.cancelled) != 1 || svc.cancelled[0] != 5 {
		t.Fatalf("cancelled = %v", svc.cancelled)
	}

	m.routeMessage(ctx, message(1, "/cancel 404"))
	drain(m)
	if !strings.Contains(ad.last(), "not found") {
		t.Fatalf("reply = %q", ad.last())
	}
}

func TestUnknownCommandAndHelp(t *testing.T) {
	m, ad := newManager(&fakePosts{})
	ctx := context.Background()

	m.routeMessage(ctx, message(2, "/nope"))
	if !strings.Contains(ad.last(), "unknown command") {
		t.Fatalf("reply = %q", ad.last())
	}

	m.routeMessage(ctx, message(2, "/help"))
	drain(m)
	if got := ad.last(); !strings.Contains(got, "/help") || strings.Contains(got, "/cancel") {
		t.Fatalf("public help = %q", got)
	}
	m.routeMessage(ctx, message(1, "/start"))
	drain(m)
	if got := ad.last(); !strings.Contains(got, "/cancel") {
		t.Fatalf("owner help = %q", got)
	}
}

func TestQueueListing(t *testing.T) {
	at := time.Date(2030, 1, 2, 3, 4, 0, 0, time.UTC)
	svc := &fakePosts{scheduled: []posts.Scheduled{
		{Post: storage.Post{ID: 7, ChannelRef: "@news", Kind: storage.KindText, ContentRef: strings.Repeat("x", 100), ScheduledAt: at}, Next: at, Live: true},
		{Post: storage.Post{ID: 8, ChannelRef: "@news", Kind: storage.KindImage, Attempts: 2}},
	}}
	m, ad := newManager(svc)
	m.routeMessage(context.Background(), message(1, "/queue"))
	drain(m)

	got := ad.last()
	for _, want := range []string{"#7", "2030-01-02 03:04 UTC", "…", "#8", "not scheduled", "2 failed"} {
		if !strings.Contains(got, want) {
			t.Fatalf("queue output missing %q:\n%s", want, got)
		}
	}
}

func TestReactionCallback(t *testing.T) {
	svc := &fakePosts{}
	ad := &fakeAdapter{}
	m := NewCommandManager(logx.Nop(), ad, nil)
	r := NewReactions(svc)
	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }
	m.SetRegistry(nil, []CallbackRoute{r.Route()})

	press := func(emoji string) {
		m.routeCallback(context.Background(), kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{
			ID: "cb", FromID: 42, ChatID: -100, MessageID: 5, Data: "r:" + emoji,
		}})
		drain(m)
	}

	press("👍")
	if svc.toggles != 1 || len(ad.edits) != 1 || ad.answers[0] != "👍" {
		t.Fatalf("toggles=%d edits=%d answers=%v", svc.toggles, len(ad.edits), ad.answers)
	}

	// Inside the cooldown the press is ignored.
	now = now.Add(50 * time.Millisecond)
	press("👍")
	if svc.toggles != 1 || ad.answers[1] != "⏳" {
		t.Fatalf("cooldown not applied: toggles=%d answers=%v", svc.toggles, ad.answers)
	}

	now = now.Add(time.Second)
	press("🤖")
	if svc.toggles != 1 || !strings.Contains(ad.answers[2], "not available") {
		t.Fatalf("unknown emoji: answers=%v", ad.answers)
	}
}

func TestSanitizeCommand(t *testing.T) {
	t.Parallel()
	cases := []struct{ in, want string }{
		{"Queue", "queue"},
		{"/at", "at"},
		{"send-now", "send_now"},
		{"a  b", "a_b"},
		{"__x__", "x"},
		{"ünicode", "nicode"},
		{strings.Repeat("a", 40), strings.Repeat("a", 32)},
	}
	for _, tc := range cases {
		if got := sanitizeCommand(tc.in); got != tc.want {
			t.Errorf("sanitizeCommand(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseID(t *testing.T) {
	t.Parallel()
	if id, err := parseID("#12"); err != nil || id != 12 {
		t.Fatalf("parseID = %d, %v", id, err)
	}
	for _, bad := range []string{"", "x", "-1", "0"} {
		if _, err := parseID(bad); err == nil {
			t.Fatalf("parseID(%q) succeeded", bad)
		}
	}
}
