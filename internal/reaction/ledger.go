// Package reaction is the reaction ledger: per-user exclusive votes and
// per-emoji counts on delivered messages.
package reaction

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"postbot/internal/delivery"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

var ErrUnknownEmoji = errors.New("emoji not offered on this message")

// Store is the persistence used by the ledger.
type Store interface {
	RegisterMessage(ctx context.Context, m storage.ReactionMessage) error
	GetMessage(ctx context.Context, ref storage.MessageRef) (storage.ReactionMessage, error)
	ToggleVote(ctx context.Context, ref storage.MessageRef, userID int64, emoji string) (storage.Toggle, error)
	Counts(ctx context.Context, ref storage.MessageRef) (map[string]int, error)
	ResetReactions(ctx context.Context, ref storage.MessageRef) error
}

type Ledger struct {
	store Store
	log   logx.Logger

	mu       sync.RWMutex
	defaults []string
}

// New returns a ledger. defaults is the emoji set for messages that were
// never registered.
func New(store Store, defaults []string, log logx.Logger) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ledger{store: store, defaults: slices.Clone(defaults), log: log}
}

// SetDefaults replaces the emoji set used for unregistered messages.
func (l *Ledger) SetDefaults(defaults []string) {
	l.mu.Lock()
	l.defaults = slices.Clone(defaults)
	l.mu.Unlock()
}

func (l *Ledger) defaultSet() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.defaults)
}

// Register records the layout of a delivered message so its controls can be
// re-rendered after the post is gone.
func (l *Ledger) Register(ctx context.Context, ref storage.MessageRef, postID int64, reactions []string, buttons []storage.Button) error {
	return l.store.RegisterMessage(ctx, storage.ReactionMessage{
		Ref:       ref,
		PostID:    postID,
		Reactions: reactions,
		Buttons:   buttons,
	})
}

// Toggle applies a vote toggle atomically. Toggling the same emoji twice
// restores the previous state; a different emoji moves the user's vote.
func (l *Ledger) Toggle(ctx context.Context, ref storage.MessageRef, userID int64, emoji string) (storage.Toggle, error) {
	emoji = strings.TrimSpace(emoji)
	offered, err := l.Emojis(ctx, ref)
	if err != nil {
		return storage.Toggle{}, err
	}
	if len(offered) > 0 && !slices.Contains(offered, emoji) {
		return storage.Toggle{}, fmt.Errorf("%w: %q", ErrUnknownEmoji, emoji)
	}
	res, err := l.store.ToggleVote(ctx, ref, userID, emoji)
	if err != nil {
		return storage.Toggle{}, fmt.Errorf("toggle reaction: %w", err)
	}
	l.log.Debug("reaction toggled",
		logx.Int64("chat", ref.ChatID),
		logx.Int("message", ref.MessageID),
		logx.Int64("user", userID),
		logx.String("emoji", emoji),
		logx.String("result", string(res.Result)),
		logx.Int("count", res.Count),
	)
	return res, nil
}

func (l *Ledger) Counts(ctx context.Context, ref storage.MessageRef) (map[string]int, error) {
	return l.store.Counts(ctx, ref)
}

// Emojis returns the emoji offered on a message.
func (l *Ledger) Emojis(ctx context.Context, ref storage.MessageRef) ([]string, error) {
	m, err := l.store.GetMessage(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		return l.defaultSet(), nil
	}
	if err != nil {
		return nil, err
	}
	return m.Reactions, nil
}

// Markup rebuilds the keyboard of a message with current counts.
func (l *Ledger) Markup(ctx context.Context, ref storage.MessageRef) (delivery.Keyboard, error) {
	var (
		reactions []string
		buttons   []storage.Button
	)
	m, err := l.store.GetMessage(ctx, ref)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		reactions = l.defaultSet()
	case err != nil:
		return nil, err
	default:
		reactions, buttons = m.Reactions, m.Buttons
	}
	counts, err := l.store.Counts(ctx, ref)
	if err != nil {
		return nil, err
	}
	return delivery.BuildKeyboard(reactions, counts, buttons), nil
}

// Reset clears every vote on a message.
func (l *Ledger) Reset(ctx context.Context, ref storage.MessageRef) error {
	return l.store.ResetReactions(ctx, ref)
}
