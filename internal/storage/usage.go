package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

const dayLayout = "2006-01-02"

// Day returns the usage bucket for t.
func Day(t time.Time) string { return t.UTC().Format(dayLayout) }

// Usage returns the user's usage for day. Bytes is 0 when the stored bucket is for another day.
func (s *Store) Usage(ctx context.Context, userID int64, day string) (Usage, error) {
	row, err := s.queryRow(ctx, s.sb.Select("day", "bytes", "last_post_at").
		From("user_usage").
		Where(sq.Eq{"user_id": userID}))
	if err != nil {
		return Usage{}, err
	}
	u := Usage{UserID: userID, Day: day}
	var (
		storedDay string
		bytes     int64
		last      sql.NullInt64
	)
	if err := row.Scan(&storedDay, &bytes, &last); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return u, nil
		}
		return Usage{}, fmt.Errorf("get usage %d: %w", userID, err)
	}
	u.LastPostAt = fromMillis(last)
	if storedDay == day {
		u.Bytes = bytes
	}
	return u, nil
}

// AddUsage adds bytes to the user's bucket for the day of at, resetting it on a new day.
func (s *Store) AddUsage(ctx context.Context, userID int64, bytes int64, at time.Time) error {
	_, err := s.exec(ctx, s.sb.Insert("user_usage").
		Columns("user_id", "day", "bytes", "last_post_at").
		Values(userID, Day(at), bytes, at.UnixMilli()).
		Suffix(`ON CONFLICT(user_id) DO UPDATE SET
			bytes = CASE WHEN user_usage.day = excluded.day THEN user_usage.bytes + excluded.bytes ELSE excluded.bytes END,
			day = excluded.day,
			last_post_at = excluded.last_post_at`))
	if err != nil {
		return fmt.Errorf("add usage %d: %w", userID, err)
	}
	return nil
}
