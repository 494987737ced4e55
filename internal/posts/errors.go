package posts

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

var (
	ErrInvalid    = errors.New("invalid post")
	ErrNotPending = errors.New("post is not pending")
	ErrQuota      = errors.New("daily quota exceeded")
	ErrCooldown   = errors.New("cooldown active")
)

// LimitError reports a quota or cooldown refusal.
type LimitError struct {
	Kind      error
	Used      int64
	Limit     int64
	Remaining int64
	Wait      time.Duration
}

func (e *LimitError) Error() string {
	if errors.Is(e.Kind, ErrCooldown) {
		return fmt.Sprintf("%v: wait %s", e.Kind, e.Wait.Round(time.Second))
	}
	return fmt.Sprintf("%v: used %s of %s, %s left",
		e.Kind, humanize.IBytes(uint64(e.Used)), humanize.IBytes(uint64(e.Limit)), humanize.IBytes(uint64(e.Remaining)))
}

func (e *LimitError) Unwrap() error { return e.Kind }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
