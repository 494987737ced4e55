package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrTimeout          = errors.New("delivery timeout")
	ErrTooLarge         = errors.New("content too large for client")
	ErrPeerUnresolvable = errors.New("destination peer unresolvable")
	ErrPermissionDenied = errors.New("permission denied")
	ErrOther            = errors.New("delivery failed")
	ErrNoClient         = errors.New("no delivery client available")
)

// RateLimited is returned when the platform asks the sender to wait.
type RateLimited struct {
	Wait time.Duration
	Err  error
}

func (e *RateLimited) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.Wait, e.Err)
	}
	return fmt.Sprintf("rate limited (retry after %s)", e.Wait)
}

func (e *RateLimited) Unwrap() error { return e.Err }

// Class groups delivery errors by how the dispatcher reacts to them.
type Class int

const (
	ClassNone Class = iota
	// ClassTransient is retried in place with a capped wait.
	ClassTransient
	// ClassCapability gets one attempt on the alternate client.
	ClassCapability
	// ClassPeer disables the client and gets one attempt on the alternate.
	ClassPeer
	// ClassPermanent defers the post.
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassCapability:
		return "capability"
	case ClassPeer:
		return "peer"
	default:
		return "permanent"
	}
}

func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	var rl *RateLimited
	switch {
	case errors.As(err, &rl), errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	case errors.Is(err, ErrTooLarge):
		return ClassCapability
	case errors.Is(err, ErrPeerUnresolvable):
		return ClassPeer
	default:
		return ClassPermanent
	}
}

// WaitHint returns the server-suggested wait carried by err, if any.
func WaitHint(err error) (time.Duration, bool) {
	var rl *RateLimited
	if errors.As(err, &rl) {
		return rl.Wait, true
	}
	return 0, false
}
