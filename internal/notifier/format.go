package notifier

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"postbot/internal/delivery"
	"postbot/internal/eventbus"
	kit "postbot/internal/transport"
	"postbot/pkg/tgui"
)

const maxErrorRunes = 300

func wants(cfg Config, kind string) bool {
	if len(cfg.Events) == 0 {
		return kind == "deferred" || kind == "failed"
	}
	return slices.Contains(cfg.Events, kind)
}

// fromEvent maps a post event to notifications for the owner and the configured chats.
func fromEvent(cfg Config, loc *time.Location, ev eventbus.Event) []Notification {
	kind, ok := strings.CutPrefix(ev.Type, "post.")
	if !ok || !wants(cfg, kind) {
		return nil
	}

	var (
		owner    int64
		text     tgui.H
		priority int
	)
	switch d := ev.Data.(type) {
	case delivery.Delivered:
		owner = d.OwnerID
		priority = 3
		text = tgui.Lines(
			tgui.Esc(fmt.Sprintf("✅ Post #%d delivered to %s", d.PostID, d.ChannelRef)),
			tgui.I(fmt.Sprintf("via %s, %d send(s)", d.Client, d.Sends)),
		)
	case delivery.Deferred:
		owner = d.OwnerID
		errText := tgui.Code(tgui.TruncRunes(d.Error, maxErrorRunes))
		if kind == "failed" {
			priority = 9
			text = tgui.Lines(
				tgui.Esc(fmt.Sprintf("Post #%d to %s failed after %d attempts and will not be retried.", d.PostID, d.ChannelRef, d.Deferrals)),
				errText,
			)
		} else {
			priority = 7
			text = tgui.Lines(
				tgui.Esc(fmt.Sprintf("Post #%d to %s could not be sent (attempt %d).", d.PostID, d.ChannelRef, d.Deferrals)),
				tgui.Esc(fmt.Sprintf("Next try %s (%s).", d.Next.In(loc).Format("2006-01-02 15:04 MST"), humanize.Time(d.Next))),
				errText,
			)
		}
	default:
		return nil
	}

	targets := make([]int64, 0, 1+len(cfg.Chats))
	if owner != 0 {
		targets = append(targets, owner)
	}
	for _, c := range cfg.Chats {
		if c != 0 && !slices.Contains(targets, c) {
			targets = append(targets, c)
		}
	}
	out := make([]Notification, 0, len(targets))
	for _, chat := range targets {
		out = append(out, Notification{
			Priority: priority,
			Target:   kit.ChatTarget{ChatID: chat},
			Text:     text.String(),
			Options:  &kit.SendOptions{ParseMode: "HTML", DisablePreview: true},
		})
	}
	return out
}

func prefixForPriority(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	default:
		return ""
	}
}
