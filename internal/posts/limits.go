package posts

import (
	"context"
	"fmt"

	"postbot/internal/storage"
)

// checkLimits applies the owner's daily byte quota and posting cooldown.
func (s *Service) checkLimits(ctx context.Context, owner, size int64) error {
	q := s.Quota()
	if owner == 0 || q.DailyBytes <= 0 && q.Cooldown <= 0 {
		return nil
	}
	now := s.now()
	u, err := s.store.Usage(ctx, owner, storage.Day(now))
	if err != nil {
		return fmt.Errorf("load usage: %w", err)
	}
	if q.DailyBytes > 0 && u.Bytes+size > q.DailyBytes {
		return &LimitError{Kind: ErrQuota, Used: u.Bytes, Limit: q.DailyBytes, Remaining: max(q.DailyBytes-u.Bytes, 0)}
	}
	if q.Cooldown > 0 && !u.LastPostAt.IsZero() {
		if since := now.Sub(u.LastPostAt); since < q.Cooldown {
			return &LimitError{Kind: ErrCooldown, Wait: q.Cooldown - since}
		}
	}
	return nil
}
