package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"postbot/internal/delivery"
	"postbot/internal/posts"
	"postbot/internal/reaction"
	"postbot/internal/storage"
	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
	"postbot/pkg/tgui"
)

// PostsPort is the inbound post API used by commands and callbacks.
type PostsPort interface {
	CreatePost(ctx context.Context, in posts.NewPost) (int64, error)
	SchedulePost(ctx context.Context, id int64, when time.Time) error
	CancelPost(ctx context.Context, id int64) error
	SendPostNow(ctx context.Context, id int64) error
	ListScheduled(ctx context.Context, limit int) ([]posts.Scheduled, error)
	RegisterChannel(ctx context.Context, c storage.Channel) (int64, error)
	SetChannelTimezone(ctx context.Context, ref, tz string) error
	ParseWhen(ctx context.Context, id int64, raw string) (time.Time, error)
	Location(ctx context.Context, ref string) *time.Location
	ToggleReaction(ctx context.Context, ref storage.MessageRef, userID int64, emoji string) (storage.Toggle, error)
	ReactionMarkup(ctx context.Context, ref storage.MessageRef) (delivery.Keyboard, error)
}

const (
	queueLimit       = 20
	queueCaptionLen  = 40
	timeLayout       = "2006-01-02 15:04 MST"
	sendNowTimeout   = 2 * time.Minute
	defaultTimeout   = 15 * time.Second
	reactionCooldown = 200 * time.Millisecond
)

// PostCommands returns the owner commands that drive the post API.
func PostCommands(svc PostsPort) []Command {
	return []Command{
		{
			Name:        "post",
			Description: "create a post (send media with this caption to attach it)",
			Usage:       "/post <channel> <text>",
			Access:      AccessOwnerOnly,
			Timeout:     defaultTimeout,
			Handle:      func(ctx context.Context, req *Request) error { return handlePost(ctx, svc, req) },
		},
		{
			Name:        "at",
			Aliases:     []string{"schedule"},
			Description: "schedule or reschedule a post",
			Usage:       "/at <id> <YYYY-MM-DD HH:MM|RFC3339|+90m>",
			Access:      AccessOwnerOnly,
			Timeout:     defaultTimeout,
			Handle:      func(ctx context.Context, req *Request) error { return handleAt(ctx, svc, req) },
		},
		{
			Name:        "now",
			Description: "send a post immediately",
			Usage:       "/now <id>",
			Access:      AccessOwnerOnly,
			Timeout:     sendNowTimeout,
			Handle:      func(ctx context.Context, req *Request) error { return handleNow(ctx, svc, req) },
		},
		{
			Name:        "cancel",
			Description: "cancel and delete a post",
			Usage:       "/cancel <id>",
			Access:      AccessOwnerOnly,
			Timeout:     defaultTimeout,
			Handle:      func(ctx context.Context, req *Request) error { return handleCancel(ctx, svc, req) },
		},
		{
			Name:        "queue",
			Aliases:     []string{"list"},
			Description: "list pending posts",
			Access:      AccessOwnerOnly,
			Timeout:     defaultTimeout,
			Handle:      func(ctx context.Context, req *Request) error { return handleQueue(ctx, svc, req) },
		},
		{
			Name:        "channel",
			Description: "register a channel, optionally with its time zone",
			Usage:       "/channel <@handle|id> [Area/City]",
			Access:      AccessOwnerOnly,
			Timeout:     defaultTimeout,
			Handle:      func(ctx context.Context, req *Request) error { return handleChannel(ctx, svc, req) },
		},
	}
}

func handlePost(ctx context.Context, svc PostsPort, req *Request) error {
	if len(req.Args) < 1 {
		return errors.New("usage: /post <channel> <text>")
	}
	msg := req.Update.Message
	in := posts.NewPost{
		OwnerID:    req.FromID,
		ChannelRef: req.Args[0],
		Kind:       "text",
		ContentRef: strings.Join(req.Args[1:], " "),
	}
	if msg != nil && msg.Media != nil {
		in.Kind = msg.Media.Kind
		in.ContentRef = msg.Media.FileID
		in.FileSize = msg.Media.Size
		in.Caption = strings.Join(req.Args[1:], " ")
	}
	id, err := svc.CreatePost(ctx, in)
	if err != nil {
		return err
	}
	return req.Reply(ctx, tgui.Lines(
		tgui.Esc(fmt.Sprintf("📝 Post #%d created for %s.", id, storage.NormalizeChannelRef(in.ChannelRef))),
		tgui.Code(fmt.Sprintf("/at %d YYYY-MM-DD HH:MM", id))+" or "+tgui.Code(fmt.Sprintf("/now %d", id)),
	))
}

func handleAt(ctx context.Context, svc PostsPort, req *Request) error {
	if len(req.Args) < 2 {
		return errors.New("usage: /at <id> <time>")
	}
	id, err := parseID(req.Args[0])
	if err != nil {
		return err
	}
	when, err := svc.ParseWhen(ctx, id, strings.Join(req.Args[1:], " "))
	if err != nil {
		return err
	}
	if err := svc.SchedulePost(ctx, id, when); err != nil {
		return err
	}
	return req.Reply(ctx, tgui.Esc(fmt.Sprintf("⏰ Post #%d scheduled for %s (%s).",
		id, when.Format(timeLayout), humanize.Time(when))))
}

func handleNow(ctx context.Context, svc PostsPort, req *Request) error {
	if len(req.Args) < 1 {
		return errors.New("usage: /now <id>")
	}
	id, err := parseID(req.Args[0])
	if err != nil {
		return err
	}
	if err := svc.SendPostNow(ctx, id); err != nil {
		return err
	}
	return req.Reply(ctx, tgui.Esc(fmt.Sprintf("🚀 Post #%d sent.", id)))
}

func handleCancel(ctx context.Context, svc PostsPort, req *Request) error {
	if len(req.Args) < 1 {
		return errors.New("usage: /cancel <id>")
	}
	id, err := parseID(req.Args[0])
	if err != nil {
		return err
	}
	if err := svc.CancelPost(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("post #%d not found", id)
		}
		return err
	}
	return req.Reply(ctx, tgui.Esc(fmt.Sprintf("🗑 Post #%d cancelled.", id)))
}

func handleQueue(ctx context.Context, svc PostsPort, req *Request) error {
	list, err := svc.ListScheduled(ctx, queueLimit)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return req.Reply(ctx, tgui.Esc("Queue is empty."))
	}
	lines := []tgui.H{tgui.B(fmt.Sprintf("Pending posts (%d)", len(list)))}
	for _, s := range list {
		p := s.Post
		when := "not scheduled"
		if !p.ScheduledAt.IsZero() {
			when = p.ScheduledAt.In(svc.Location(ctx, p.ChannelRef)).Format(timeLayout)
			if !s.Live {
				when += " (no job)"
			}
		}
		text := p.Caption
		if p.Kind == storage.KindText {
			text = p.ContentRef
		}
		line := tgui.Code(fmt.Sprintf("#%d", p.ID)) + " " + tgui.Esc(fmt.Sprintf("%s %s · %s", p.ChannelRef, p.Kind, when))
		if p.Attempts > 0 {
			line += tgui.Esc(fmt.Sprintf(" · %d failed", p.Attempts))
		}
		if text != "" {
			line += "\n   " + tgui.I(tgui.TruncRunes(text, queueCaptionLen))
		}
		lines = append(lines, line)
	}
	return req.Reply(ctx, tgui.Lines(lines...))
}

func handleChannel(ctx context.Context, svc PostsPort, req *Request) error {
	if len(req.Args) < 1 {
		return errors.New("usage: /channel <@handle|id> [Area/City]")
	}
	ref := storage.NormalizeChannelRef(req.Args[0])
	c := storage.Channel{ExternalRef: ref, OwnerID: req.FromID, Admin: true}
	if len(req.Args) > 1 {
		c.Timezone = req.Args[1]
	}
	if _, err := svc.RegisterChannel(ctx, c); err != nil {
		return err
	}
	if c.Timezone != "" {
		if err := svc.SetChannelTimezone(ctx, ref, c.Timezone); err != nil {
			return err
		}
	}
	return req.Reply(ctx, tgui.Esc(fmt.Sprintf("📢 Channel %s registered (%s).", ref, svc.Location(ctx, ref))))
}

// Reactions handles "r:<emoji>" button presses on delivered posts.
type Reactions struct {
	svc      PostsPort
	cooldown time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last map[int64]time.Time
}

func NewReactions(svc PostsPort) *Reactions {
	return &Reactions{svc: svc, cooldown: reactionCooldown, now: time.Now, last: map[int64]time.Time{}}
}

// SetCooldown changes the minimum gap between two presses of one user. d <= 0 disables it.
func (r *Reactions) SetCooldown(d time.Duration) {
	r.mu.Lock()
	r.cooldown = d
	r.mu.Unlock()
}

func (r *Reactions) Route() CallbackRoute {
	return CallbackRoute{
		Prefix:  delivery.ReactionPrefix,
		Access:  AccessEveryone,
		Timeout: defaultTimeout,
		Handle:  r.Handle,
	}
}

// allow applies the per-user cooldown between presses.
func (r *Reactions) allow(user int64) bool {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.last[user]; ok && now.Sub(t) < r.cooldown {
		return false
	}
	r.last[user] = now
	if len(r.last) > 4096 {
		for id, t := range r.last {
			if now.Sub(t) >= r.cooldown {
				delete(r.last, id)
			}
		}
	}
	return true
}

func (r *Reactions) Handle(ctx context.Context, req *Request, emoji string) (string, error) {
	cb := req.Update.Callback
	if cb == nil {
		return "", nil
	}
	if !r.allow(req.FromID) {
		return "⏳", nil
	}
	ref := storage.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}
	res, err := r.svc.ToggleReaction(ctx, ref, req.FromID, emoji)
	if errors.Is(err, reaction.ErrUnknownEmoji) {
		return "This reaction is not available.", nil
	}
	if err != nil {
		return "Try again later.", err
	}

	kb, err := r.svc.ReactionMarkup(ctx, ref)
	if err != nil {
		return "", err
	}
	if err := req.Adapter.EditMarkup(ctx, kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}, kb); err != nil {
		req.Logger.Debug("reaction markup not updated", logx.Err(err))
	}

	switch res.Result {
	case storage.ToggleRemoved:
		return "Reaction removed.", nil
	case storage.ToggleSwitched:
		return fmt.Sprintf("%s → %s", res.Previous, res.Emoji), nil
	default:
		return res.Emoji, nil
	}
}
