package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"postbot/internal/delivery"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

// Client delivers posts through one Bot API endpoint.
type Client struct {
	name      string
	bot       *tele.Bot
	maxSize   int64
	ops       []delivery.Operation
	parseMode string
	limiter   *rate.Limiter
	log       logx.Logger
}

var _ delivery.Client = (*Client)(nil)

// NewClient builds a delivery client with its own offline bot (no getMe at startup).
func NewClient(cfg ClientConfig, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     strings.TrimSpace(cfg.APIURL),
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return newClient(cfg, b, log), nil
}

// NewClientWithBot builds a delivery client on an existing bot, e.g. the adapter's.
func NewClientWithBot(cfg ClientConfig, b *tele.Bot, log logx.Logger) *Client {
	return newClient(cfg, b, log)
}

func newClient(cfg ClientConfig, b *tele.Bot, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "telegram"
	}
	maxSize := cfg.MaxSize
	if maxSize == 0 {
		maxSize = CloudMaxSize
		if strings.TrimSpace(cfg.APIURL) != "" {
			maxSize = LocalMaxSize
		}
	}
	ops := make([]delivery.Operation, 0, len(cfg.Ops))
	for _, op := range cfg.Ops {
		ops = append(ops, delivery.Operation(strings.ToLower(strings.TrimSpace(op))))
	}
	if len(ops) == 0 {
		ops = []delivery.Operation{delivery.OpText, delivery.OpUpload}
	}
	c := &Client{
		name:      name,
		bot:       b,
		maxSize:   maxSize,
		ops:       ops,
		parseMode: cfg.ParseMode,
		log:       log.With(logx.String("client", name)),
	}
	if cfg.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), max(cfg.Burst, 1))
	}
	c.log.Info("delivery client ready", logx.String("max_size", humanize.IBytes(uint64(maxSize))))
	return c
}

func (c *Client) Name() string                        { return c.name }
func (c *Client) MaxSize() int64                      { return c.maxSize }
func (c *Client) Supports(op delivery.Operation) bool { return slices.Contains(c.ops, op) }

func (c *Client) Send(ctx context.Context, p delivery.Payload) (delivery.MessageRef, error) {
	if c.maxSize > 0 && p.Size > c.maxSize {
		return delivery.MessageRef{}, fmt.Errorf("%w: %s > %s", delivery.ErrTooLarge,
			humanize.IBytes(uint64(p.Size)), humanize.IBytes(uint64(c.maxSize)))
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return delivery.MessageRef{}, fmt.Errorf("%w: %v", delivery.ErrTimeout, err)
		}
	}
	to, err := recipient(p.ChatRef)
	if err != nil {
		return delivery.MessageRef{}, err
	}
	what, err := content(p)
	if err != nil {
		return delivery.MessageRef{}, err
	}
	opts := &tele.SendOptions{ParseMode: c.parseMode, ReplyMarkup: toMarkup(p.Keyboard)}

	type result struct {
		msg *tele.Message
		err error
	}
	// telebot calls are not context aware; honour ctx by abandoning the wait.
	done := make(chan result, 1)
	go func() {
		msg, err := c.bot.Send(to, what, opts)
		done <- result{msg, err}
	}()
	select {
	case <-ctx.Done():
		return delivery.MessageRef{}, fmt.Errorf("%w: %v", delivery.ErrTimeout, ctx.Err())
	case r := <-done:
		if r.err != nil {
			return delivery.MessageRef{}, classify(r.err)
		}
		ref := delivery.MessageRef{MessageID: r.msg.ID}
		if r.msg.Chat != nil {
			ref.ChatID = r.msg.Chat.ID
		}
		return ref, nil
	}
}

// chatRef is a channel username recipient ("@name").
type chatRef string

func (r chatRef) Recipient() string { return string(r) }

func recipient(ref string) (tele.Recipient, error) {
	ref = storage.NormalizeChannelRef(ref)
	if ref == "" {
		return nil, fmt.Errorf("%w: empty channel reference", delivery.ErrPeerUnresolvable)
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return tele.ChatID(id), nil
	}
	return chatRef(ref), nil
}

func content(p delivery.Payload) (any, error) {
	if p.Kind == storage.KindText || p.Kind == "" {
		return p.ContentRef, nil
	}
	f := tele.File{FileID: p.ContentRef}
	if strings.HasPrefix(p.ContentRef, "http://") || strings.HasPrefix(p.ContentRef, "https://") {
		f = tele.FromURL(p.ContentRef)
	}
	switch p.Kind {
	case storage.KindImage:
		return &tele.Photo{File: f, Caption: p.Caption}, nil
	case storage.KindVideo:
		return &tele.Video{File: f, Caption: p.Caption}, nil
	case storage.KindFile:
		return &tele.Document{File: f, Caption: p.Caption}, nil
	}
	return nil, fmt.Errorf("%w: unsupported content kind %q", delivery.ErrOther, p.Kind)
}
