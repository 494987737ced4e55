package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"postbot/internal/delivery"
)

var retryAfterRe = regexp.MustCompile(`retry after (\d+)`)

// classify maps a Bot API error onto the delivery error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	code := 0
	var te *tele.Error
	if errors.As(err, &te) {
		code = te.Code
	}
	msg := strings.ToLower(err.Error())

	if m := retryAfterRe.FindStringSubmatch(msg); m != nil || code == 429 {
		wait := time.Second
		if m != nil {
			if n, perr := strconv.Atoi(m[1]); perr == nil {
				wait = time.Duration(n) * time.Second
			}
		}
		return &delivery.RateLimited{Wait: wait, Err: err}
	}

	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout(), strings.Contains(msg, "timeout"):
		return fmt.Errorf("%w: %v", delivery.ErrTimeout, err)
	case code == 413 || strings.Contains(msg, "too large") || strings.Contains(msg, "too big"):
		return fmt.Errorf("%w: %v", delivery.ErrTooLarge, err)
	case strings.Contains(msg, "chat not found") || strings.Contains(msg, "peer_id_invalid") || strings.Contains(msg, "peer id invalid"):
		return fmt.Errorf("%w: %v", delivery.ErrPeerUnresolvable, err)
	case code == 403 || strings.Contains(msg, "forbidden") || strings.Contains(msg, "not enough rights"):
		return fmt.Errorf("%w: %v", delivery.ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", delivery.ErrOther, err)
}
