package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"postbot/internal/storage"
)

// Operation is a kind of send a client may support.
type Operation string

const (
	OpText   Operation = "text"
	OpUpload Operation = "upload"
)

// OperationFor maps a content kind to the operation needed to send it.
func OperationFor(k storage.Kind) Operation {
	if k == storage.KindText || k == "" {
		return OpText
	}
	return OpUpload
}

type MessageRef = storage.MessageRef

// Payload is a rendered post ready to send.
type Payload struct {
	ChatRef    string
	Kind       storage.Kind
	ContentRef string
	Caption    string
	Keyboard   Keyboard
	Size       int64
}

// Client is one delivery backend.
type Client interface {
	Name() string
	// MaxSize is the largest content size in bytes the client accepts; <= 0 means unlimited.
	MaxSize() int64
	Supports(op Operation) bool
	Send(ctx context.Context, p Payload) (MessageRef, error)
}

// Health maps client names to the end of their disabled cooldown.
type Health map[string]time.Time

func (h Health) Healthy(name string, now time.Time) bool {
	until, ok := h[name]
	return !ok || !now.Before(until)
}

// Select picks the client for a send. Among clients that support op and fit
// size, the healthy one with the smallest MaxSize wins. If every fitting
// client is disabled, the one whose cooldown ends first is returned.
func Select(clients []Client, size int64, op Operation, health Health, now time.Time) (Client, error) {
	var (
		best, fallback Client
		supported      bool
	)
	for _, c := range clients {
		if c == nil || !c.Supports(op) {
			continue
		}
		supported = true
		if !fits(c, size) {
			continue
		}
		if health.Healthy(c.Name(), now) {
			if best == nil || capacity(c) < capacity(best) {
				best = c
			}
			continue
		}
		if fallback == nil || health[c.Name()].Before(health[fallback.Name()]) {
			fallback = c
		}
	}
	switch {
	case best != nil:
		return best, nil
	case fallback != nil:
		return fallback, nil
	case supported:
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	default:
		return nil, fmt.Errorf("%w for %s", ErrNoClient, op)
	}
}

func fits(c Client, size int64) bool {
	limit := c.MaxSize()
	return limit <= 0 || size <= limit
}

func capacity(c Client) int64 {
	if limit := c.MaxSize(); limit > 0 {
		return limit
	}
	return 1<<63 - 1
}

// Pool tracks client health around Select.
type Pool struct {
	mu      sync.Mutex
	clients []Client
	health  Health
	now     func() time.Time
}

func NewPool(clients ...Client) *Pool {
	out := make([]Client, 0, len(clients))
	for _, c := range clients {
		if c != nil {
			out = append(out, c)
		}
	}
	return &Pool{clients: out, health: Health{}, now: time.Now}
}

func (p *Pool) Clients() []Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Client(nil), p.clients...)
}

func (p *Pool) Select(size int64, op Operation) (Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Select(p.clients, size, op, p.health, p.now())
}

// Alternate selects among every client except current.
func (p *Pool) Alternate(current string, size int64, op Operation) (Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	others := make([]Client, 0, len(p.clients))
	for _, c := range p.clients {
		if c.Name() != current {
			others = append(others, c)
		}
	}
	return Select(others, size, op, p.health, p.now())
}

// MarkDisabled takes a client out of preference for cooldown.
func (p *Pool) MarkDisabled(name string, cooldown time.Duration) {
	p.mu.Lock()
	p.health[name] = p.now().Add(cooldown)
	p.mu.Unlock()
}

// Healthy reports whether name is outside its cooldown.
func (p *Pool) Healthy(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.health.Healthy(name, p.now())
}
