package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var postColumns = []string{
	"id", "owner_id", "channel_ref", "content_kind", "content_ref", "caption",
	"buttons", "reactions", "file_size", "scheduled_time", "status", "attempts",
	"last_error", "sent_chat_id", "sent_message_id", "created_at", "updated_at",
}

// pendingCond matches NULL status as pending.
var pendingCond = sq.Or{sq.Eq{"status": nil}, sq.Eq{"status": string(StatusPending)}}

// InsertPost stores p as pending and returns its id.
func (s *Store) InsertPost(ctx context.Context, p Post) (int64, error) {
	if !p.Kind.Valid() {
		return 0, fmt.Errorf("invalid content kind %q", p.Kind)
	}
	buttons, err := marshalList(p.Buttons)
	if err != nil {
		return 0, err
	}
	reactions, err := marshalList(p.Reactions)
	if err != nil {
		return 0, err
	}
	now := s.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}

	res, err := s.exec(ctx, s.sb.Insert("posts").
		Columns("owner_id", "channel_ref", "content_kind", "content_ref", "caption",
			"buttons", "reactions", "file_size", "scheduled_time", "status", "created_at", "updated_at").
		Values(p.OwnerID, p.ChannelRef, string(p.Kind), p.ContentRef, nullStr(p.Caption),
			buttons, reactions, p.FileSize, nullMillis(p.ScheduledAt), string(StatusPending),
			p.CreatedAt.UnixMilli(), now.UnixMilli()))
	if err != nil {
		return 0, fmt.Errorf("insert post: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) GetPost(ctx context.Context, id int64) (Post, error) {
	row, err := s.queryRow(ctx, s.sb.Select(postColumns...).From("posts").Where(sq.Eq{"id": id}))
	if err != nil {
		return Post{}, err
	}
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Post{}, ErrNotFound
	}
	if err != nil {
		return Post{}, fmt.Errorf("get post %d: %w", id, err)
	}
	return p, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id int64, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	res, err := s.exec(ctx, s.sb.Update("posts").
		Set("status", string(status)).
		Set("updated_at", s.now().UnixMilli()).
		Where(sq.Eq{"id": id}))
	if err != nil {
		return fmt.Errorf("update post %d status: %w", id, err)
	}
	return mustAffect(res)
}

func (s *Store) DeletePost(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, s.sb.Delete("posts").Where(sq.Eq{"id": id}))
	if err != nil {
		return fmt.Errorf("delete post %d: %w", id, err)
	}
	return mustAffect(res)
}

// SetSchedule sets the fire time of a pending post. A post that was sent or
// failed in the meantime is left untouched and ErrNotPending is returned.
func (s *Store) SetSchedule(ctx context.Context, id int64, at time.Time) error {
	res, err := s.exec(ctx, s.sb.Update("posts").
		Set("scheduled_time", nullMillis(at)).
		Set("updated_at", s.now().UnixMilli()).
		Where(sq.And{sq.Eq{"id": id}, pendingCond}))
	if err != nil {
		return fmt.Errorf("schedule post %d: %w", id, err)
	}
	if err := mustAffect(res); !errors.Is(err, ErrNotFound) {
		return err
	}
	if _, err := s.GetPost(ctx, id); err != nil {
		return err
	}
	return ErrNotPending
}

// Defer records a failed delivery, moves the fire time to at and returns the
// number of deferrals so far.
func (s *Store) Defer(ctx context.Context, id int64, at time.Time, errText string) (int, error) {
	row, err := s.queryRow(ctx, s.sb.Update("posts").
		Set("scheduled_time", nullMillis(at)).
		Set("attempts", sq.Expr("attempts + 1")).
		Set("last_error", nullStr(errText)).
		Set("updated_at", s.now().UnixMilli()).
		Where(sq.Eq{"id": id}).
		Suffix("RETURNING attempts"))
	if err != nil {
		return 0, err
	}
	var attempts int
	if err := row.Scan(&attempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("defer post %d: %w", id, err)
	}
	return attempts, nil
}

// MarkSent marks the post delivered as ref.
func (s *Store) MarkSent(ctx context.Context, id int64, ref MessageRef) error {
	res, err := s.exec(ctx, s.sb.Update("posts").
		Set("status", string(StatusSent)).
		Set("sent_chat_id", ref.ChatID).
		Set("sent_message_id", ref.MessageID).
		Set("last_error", nil).
		Set("updated_at", s.now().UnixMilli()).
		Where(sq.Eq{"id": id}))
	if err != nil {
		return fmt.Errorf("mark post %d sent: %w", id, err)
	}
	return mustAffect(res)
}

// MarkFailed marks the post failed, keeping errText as its last error.
func (s *Store) MarkFailed(ctx context.Context, id int64, errText string) error {
	res, err := s.exec(ctx, s.sb.Update("posts").
		Set("status", string(StatusFailed)).
		Set("last_error", nullStr(errText)).
		Set("updated_at", s.now().UnixMilli()).
		Where(sq.Eq{"id": id}))
	if err != nil {
		return fmt.Errorf("mark post %d failed: %w", id, err)
	}
	return mustAffect(res)
}

// ListPendingFuture returns pending posts scheduled strictly after now, earliest first.
func (s *Store) ListPendingFuture(ctx context.Context, now time.Time) ([]Post, error) {
	return s.listPosts(ctx, s.sb.Select(postColumns...).From("posts").
		Where(pendingCond).
		Where(sq.Gt{"scheduled_time": now.UnixMilli()}).
		OrderBy("scheduled_time", "id"))
}

// ListPendingOverdue returns pending posts whose fire time is at or before now.
func (s *Store) ListPendingOverdue(ctx context.Context, now time.Time) ([]Post, error) {
	return s.listPosts(ctx, s.sb.Select(postColumns...).From("posts").
		Where(pendingCond).
		Where(sq.NotEq{"scheduled_time": nil}).
		Where(sq.LtOrEq{"scheduled_time": now.UnixMilli()}).
		OrderBy("scheduled_time", "id"))
}

// ListPending returns pending posts, scheduled ones first. limit <= 0 means no limit.
func (s *Store) ListPending(ctx context.Context, limit int) ([]Post, error) {
	b := s.sb.Select(postColumns...).From("posts").
		Where(pendingCond).
		OrderBy("scheduled_time IS NULL", "scheduled_time", "id")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	return s.listPosts(ctx, b)
}

// ListPendingIDs returns the ids of every pending post.
func (s *Store) ListPendingIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.query(ctx, s.sb.Select("id").From("posts").Where(pendingCond).OrderBy("id"))
	if err != nil {
		return nil, fmt.Errorf("list pending ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) listPosts(ctx context.Context, b sq.SelectBuilder) ([]Post, error) {
	rows, err := s.query(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	var out []Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPost(sc scanner) (Post, error) {
	var (
		p                     Post
		kind                  string
		caption, lastErr      sql.NullString
		buttons, reactions    string
		scheduled             sql.NullInt64
		status                sql.NullString
		sentChat, sentMessage sql.NullInt64
		created, updated      int64
	)
	err := sc.Scan(&p.ID, &p.OwnerID, &p.ChannelRef, &kind, &p.ContentRef, &caption,
		&buttons, &reactions, &p.FileSize, &scheduled, &status, &p.Attempts,
		&lastErr, &sentChat, &sentMessage, &created, &updated)
	if err != nil {
		return Post{}, err
	}
	p.Kind = Kind(kind)
	p.Caption = caption.String
	p.LastError = lastErr.String
	p.ScheduledAt = fromMillis(scheduled)
	p.Status = StatusPending
	if status.Valid && status.String != "" {
		p.Status = Status(status.String)
	}
	p.Sent = MessageRef{ChatID: sentChat.Int64, MessageID: int(sentMessage.Int64)}
	p.CreatedAt = time.UnixMilli(created)
	p.UpdatedAt = time.UnixMilli(updated)
	if err := json.Unmarshal([]byte(buttons), &p.Buttons); err != nil {
		return Post{}, fmt.Errorf("post %d buttons: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(reactions), &p.Reactions); err != nil {
		return Post{}, fmt.Errorf("post %d reactions: %w", p.ID, err)
	}
	return p, nil
}

func marshalList[T any](v []T) (string, error) {
	if len(v) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
