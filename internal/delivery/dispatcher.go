package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"postbot/internal/eventbus"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

// Store is the content store as seen by the dispatcher.
type Store interface {
	GetPost(ctx context.Context, id int64) (storage.Post, error)
	DeletePost(ctx context.Context, id int64) error
	MarkSent(ctx context.Context, id int64, ref storage.MessageRef) error
	MarkFailed(ctx context.Context, id int64, errText string) error
	Defer(ctx context.Context, id int64, at time.Time, errText string) (int, error)
	AddUsage(ctx context.Context, userID int64, bytes int64, at time.Time) error
}

// Ledger registers the reaction layout of a delivered message.
type Ledger interface {
	Register(ctx context.Context, ref MessageRef, postID int64, reactions []string, buttons []storage.Button) error
}

// Policy configures retries and deferral.
type Policy struct {
	// MaxAttempts bounds sends per delivery for transient errors.
	MaxAttempts int
	// RetryCap bounds every in-place wait, whatever the server suggests.
	RetryCap time.Duration
	// RetryBase is the wait hint for errors that carry none (timeouts).
	RetryBase time.Duration
	// Defer is how far a failed post is pushed forward.
	Defer time.Duration
	// MaxDeferrals and MaxAge bound deferral; 0 means unlimited.
	MaxDeferrals int
	MaxAge       time.Duration
	// KeepSent marks delivered posts sent instead of deleting them.
	KeepSent bool
	// DisableCooldown is how long a client stays disabled after a peer error.
	DisableCooldown  time.Duration
	DefaultReactions []string
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.RetryCap <= 0 {
		p.RetryCap = 2 * time.Second
	}
	if p.RetryBase <= 0 {
		p.RetryBase = 500 * time.Millisecond
	}
	if p.Defer <= 0 {
		p.Defer = 5 * time.Minute
	}
	if p.DisableCooldown <= 0 {
		p.DisableCooldown = 10 * time.Minute
	}
	return p
}

// Exceeded reports whether a post with deferrals and createdAt is out of retries at now.
func (p Policy) Exceeded(deferrals int, createdAt, now time.Time) bool {
	if p.MaxDeferrals > 0 && deferrals >= p.MaxDeferrals {
		return true
	}
	return p.MaxAge > 0 && !createdAt.IsZero() && now.Sub(createdAt) >= p.MaxAge
}

// Delivered is published as "post.delivered".
type Delivered struct {
	PostID     int64
	OwnerID    int64
	ChannelRef string
	Ref        MessageRef
	Client     string
	Sends      int
}

// Deferred is published as "post.deferred" and, when the policy gives up, "post.failed".
type Deferred struct {
	PostID     int64
	OwnerID    int64
	ChannelRef string
	Next       time.Time
	Deferrals  int
	Error      string
}

type Dispatcher struct {
	store  Store
	pool   *Pool
	jobs   *Jobs
	ledger Ledger
	bus    eventbus.Bus
	log    logx.Logger

	mu     sync.RWMutex
	policy Policy

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	locks keyedMutex
}

func NewDispatcher(store Store, pool *Pool, jobs *Jobs, ledger Ledger, bus eventbus.Bus, policy Policy, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		store:  store,
		pool:   pool,
		jobs:   jobs,
		ledger: ledger,
		bus:    bus,
		log:    log,
		policy: policy.withDefaults(),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func (d *Dispatcher) SetPolicy(p Policy) {
	d.mu.Lock()
	d.policy = p.withDefaults()
	d.mu.Unlock()
}

func (d *Dispatcher) Policy() Policy {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.policy
}

// Deliver sends post postID. A vanished or no longer pending post is a
// successful no-op. On final failure the post is kept and deferred, or marked
// failed once the policy is exceeded; the returned error describes the failure.
func (d *Dispatcher) Deliver(ctx context.Context, postID int64) error {
	unlock := d.locks.lock(postID)
	defer unlock()

	policy := d.Policy()
	log := d.log.With(logx.Int64("post", postID), logx.String("attempt", uuid.NewString()[:8]))

	p, err := d.store.GetPost(ctx, postID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Debug("post gone; nothing to deliver")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load post %d: %w", postID, err)
	}
	if !p.Pending() {
		log.Debug("post not pending; nothing to deliver", logx.String("status", string(p.Status)))
		return nil
	}

	payload := Render(p, policy.DefaultReactions)
	ref, client, sends, err := d.send(ctx, log, payload, policy)

	// Bookkeeping must survive a job timeout that interrupted the send.
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err != nil {
		return d.fail(bctx, log, p, policy, err)
	}
	d.succeed(bctx, log, p, payload, policy, ref, client, sends)
	return nil
}

func (d *Dispatcher) send(ctx context.Context, log logx.Logger, payload Payload, policy Policy) (MessageRef, string, int, error) {
	op := OperationFor(payload.Kind)
	c, err := d.pool.Select(payload.Size, op)
	if err != nil {
		return MessageRef{}, "", 0, err
	}

	sends, transient := 0, 0
	fellBack := false
	for {
		sends++
		ref, err := c.Send(ctx, payload)
		if err == nil {
			return ref, c.Name(), sends, nil
		}
		class := Classify(err)
		log.Debug("send failed", logx.String("client", c.Name()), logx.String("class", class.String()), logx.Err(err))

		switch class {
		case ClassTransient:
			transient++
			if transient >= policy.MaxAttempts {
				return MessageRef{}, c.Name(), sends, err
			}
			wait, ok := WaitHint(err)
			if !ok {
				wait = policy.RetryBase
			}
			wait = min(wait, policy.RetryCap)
			if serr := d.sleep(ctx, wait); serr != nil {
				return MessageRef{}, c.Name(), sends, errors.Join(err, serr)
			}

		case ClassPeer, ClassCapability:
			if class == ClassPeer {
				d.pool.MarkDisabled(c.Name(), policy.DisableCooldown)
				log.Warn("client disabled", logx.String("client", c.Name()), logx.Duration("cooldown", policy.DisableCooldown), logx.Err(err))
			}
			if fellBack {
				return MessageRef{}, c.Name(), sends, err
			}
			alt, aerr := d.pool.Alternate(c.Name(), payload.Size, op)
			if aerr != nil {
				return MessageRef{}, c.Name(), sends, err
			}
			log.Info("falling back to alternate client", logx.String("from", c.Name()), logx.String("to", alt.Name()))
			fellBack = true
			c = alt

		default:
			return MessageRef{}, c.Name(), sends, err
		}
	}
}

func (d *Dispatcher) succeed(ctx context.Context, log logx.Logger, p storage.Post, payload Payload, policy Policy, ref MessageRef, client string, sends int) {
	var err error
	if policy.KeepSent {
		err = d.store.MarkSent(ctx, p.ID, ref)
	} else {
		err = d.store.DeletePost(ctx, p.ID)
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Error("record delivery failed", logx.Err(err))
	}
	d.jobs.Cancel(p.ID)

	reactions := Reactions(p, policy.DefaultReactions)
	if d.ledger != nil && !ref.IsZero() && (len(reactions) > 0 || len(p.Buttons) > 0) {
		if err := d.ledger.Register(ctx, ref, p.ID, reactions, p.Buttons); err != nil {
			log.Warn("register reactions failed", logx.Err(err))
		}
	}
	if p.OwnerID != 0 {
		if err := d.store.AddUsage(ctx, p.OwnerID, payload.Size, d.now()); err != nil {
			log.Warn("record usage failed", logx.Err(err))
		}
	}

	log.Info("post delivered", logx.String("client", client), logx.Int("sends", sends), logx.Int64("chat", ref.ChatID), logx.Int("message", ref.MessageID))
	d.publish("post.delivered", Delivered{PostID: p.ID, OwnerID: p.OwnerID, ChannelRef: p.ChannelRef, Ref: ref, Client: client, Sends: sends})
}

func (d *Dispatcher) fail(ctx context.Context, log logx.Logger, p storage.Post, policy Policy, sendErr error) error {
	now := d.now()
	next := now.Add(policy.Defer).Truncate(time.Millisecond)
	deferrals, err := d.store.Defer(ctx, p.ID, next, sendErr.Error())
	if errors.Is(err, storage.ErrNotFound) {
		// Cancelled while sending.
		return nil
	}
	if err != nil {
		log.Error("defer failed", logx.Err(err))
		return fmt.Errorf("deliver post %d: %w (defer: %v)", p.ID, sendErr, err)
	}

	ev := Deferred{PostID: p.ID, OwnerID: p.OwnerID, ChannelRef: p.ChannelRef, Deferrals: deferrals, Error: sendErr.Error()}
	if policy.Exceeded(deferrals, p.CreatedAt, now) {
		if err := d.store.MarkFailed(ctx, p.ID, sendErr.Error()); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Error("mark failed failed", logx.Err(err))
		}
		d.jobs.Cancel(p.ID)
		log.Error("post gave up", logx.Int("deferrals", deferrals), logx.Err(sendErr))
		d.publish("post.failed", ev)
		return fmt.Errorf("deliver post %d: giving up after %d deferrals: %w", p.ID, deferrals, sendErr)
	}

	if err := d.jobs.Schedule(p.ID, next, d.Deliver); err != nil {
		log.Error("reschedule failed", logx.Err(err))
	}
	ev.Next = next
	log.Warn("post deferred", logx.Time("next", next), logx.Int("deferrals", deferrals), logx.Err(sendErr))
	d.publish("post.deferred", ev)
	return fmt.Errorf("deliver post %d: %w", p.ID, sendErr)
}

func (d *Dispatcher) publish(typ string, data any) {
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: typ, Time: d.now(), Data: data})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// keyedMutex serializes deliveries of the same post.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(id int64) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[int64]*refMutex{}
	}
	m := k.locks[id]
	if m == nil {
		m = &refMutex{}
		k.locks[id] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
