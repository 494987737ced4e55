package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// RegisterMessage upserts the control layout for a delivered message.
func (s *Store) RegisterMessage(ctx context.Context, m ReactionMessage) error {
	reactions, err := marshalList(m.Reactions)
	if err != nil {
		return err
	}
	buttons, err := marshalList(m.Buttons)
	if err != nil {
		return err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	_, err = s.exec(ctx, s.sb.Insert("reaction_messages").
		Columns("chat_id", "message_id", "post_id", "reactions", "buttons", "created_at").
		Values(m.Ref.ChatID, m.Ref.MessageID, m.PostID, reactions, buttons, m.CreatedAt.UnixMilli()).
		Suffix(`ON CONFLICT(chat_id, message_id) DO UPDATE SET
			post_id = excluded.post_id,
			reactions = excluded.reactions,
			buttons = excluded.buttons`))
	if err != nil {
		return fmt.Errorf("register message %d/%d: %w", m.Ref.ChatID, m.Ref.MessageID, err)
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, ref MessageRef) (ReactionMessage, error) {
	row, err := s.queryRow(ctx, s.sb.Select("post_id", "reactions", "buttons", "created_at").
		From("reaction_messages").
		Where(refEq(ref)))
	if err != nil {
		return ReactionMessage{}, err
	}
	m := ReactionMessage{Ref: ref}
	var (
		reactions, buttons string
		created            int64
	)
	if err := row.Scan(&m.PostID, &reactions, &buttons, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ReactionMessage{}, ErrNotFound
		}
		return ReactionMessage{}, fmt.Errorf("get message: %w", err)
	}
	if err := json.Unmarshal([]byte(reactions), &m.Reactions); err != nil {
		return ReactionMessage{}, err
	}
	if err := json.Unmarshal([]byte(buttons), &m.Buttons); err != nil {
		return ReactionMessage{}, err
	}
	m.CreatedAt = fromMillis(sql.NullInt64{Int64: created, Valid: true})
	return m, nil
}

// ToggleVote applies a user's vote toggle inside one BEGIN IMMEDIATE transaction:
// the same emoji removes the vote, a different one switches it, none adds it.
// Counts never go below zero and zero rows are pruned.
func (s *Store) ToggleVote(ctx context.Context, ref MessageRef, userID int64, emoji string) (Toggle, error) {
	if emoji == "" {
		return Toggle{}, errors.New("emoji is required")
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return Toggle{}, err
	}
	defer conn.Close()

	tx := &immediateTx{conn: conn, sb: s.sb}
	if err := tx.begin(ctx); err != nil {
		return Toggle{}, err
	}
	committed := false
	defer func() {
		if !committed {
			tx.rollback()
		}
	}()

	current, err := tx.currentVote(ctx, ref, userID)
	if err != nil {
		return Toggle{}, err
	}

	out := Toggle{Emoji: emoji}
	switch {
	case current == emoji:
		if err := tx.deleteVote(ctx, ref, userID); err != nil {
			return Toggle{}, err
		}
		if err := tx.bump(ctx, ref, emoji, -1); err != nil {
			return Toggle{}, err
		}
		out.Result = ToggleRemoved
	case current != "":
		if err := tx.bump(ctx, ref, current, -1); err != nil {
			return Toggle{}, err
		}
		if err := tx.deleteVote(ctx, ref, userID); err != nil {
			return Toggle{}, err
		}
		if err := tx.insertVote(ctx, ref, userID, emoji, s.now().UnixMilli()); err != nil {
			return Toggle{}, err
		}
		if err := tx.bump(ctx, ref, emoji, 1); err != nil {
			return Toggle{}, err
		}
		out.Result = ToggleSwitched
		out.Previous = current
	default:
		if err := tx.insertVote(ctx, ref, userID, emoji, s.now().UnixMilli()); err != nil {
			return Toggle{}, err
		}
		if err := tx.bump(ctx, ref, emoji, 1); err != nil {
			return Toggle{}, err
		}
		out.Result = ToggleAdded
	}

	if err := tx.prune(ctx, ref); err != nil {
		return Toggle{}, err
	}
	if out.Count, err = tx.count(ctx, ref, emoji); err != nil {
		return Toggle{}, err
	}
	if out.Previous != "" {
		if out.PreviousCount, err = tx.count(ctx, ref, out.Previous); err != nil {
			return Toggle{}, err
		}
	}
	if err := tx.commit(ctx); err != nil {
		return Toggle{}, err
	}
	committed = true
	return out, nil
}

// Counts returns the non-zero per-emoji counts of a message.
func (s *Store) Counts(ctx context.Context, ref MessageRef) (map[string]int, error) {
	rows, err := s.query(ctx, s.sb.Select("emoji", "count").
		From("reaction_counts").
		Where(refEq(ref)).
		Where(sq.Gt{"count": 0}))
	if err != nil {
		return nil, fmt.Errorf("reaction counts: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var (
			emoji string
			n     int
		)
		if err := rows.Scan(&emoji, &n); err != nil {
			return nil, err
		}
		out[emoji] = n
	}
	return out, rows.Err()
}

// UserVote returns the user's current emoji on a message, or "".
func (s *Store) UserVote(ctx context.Context, ref MessageRef, userID int64) (string, error) {
	row, err := s.queryRow(ctx, s.sb.Select("emoji").From("reaction_votes").
		Where(refEq(ref)).Where(sq.Eq{"user_id": userID}))
	if err != nil {
		return "", err
	}
	var emoji string
	if err := row.Scan(&emoji); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return emoji, nil
}

// ResetReactions deletes every vote and count of a message.
func (s *Store) ResetReactions(ctx context.Context, ref MessageRef) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"reaction_votes", "reaction_counts"} {
		q, args, err := s.sb.Delete(table).Where(refEq(ref)).ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return tx.Commit()
}

func refEq(ref MessageRef) sq.Eq {
	return sq.Eq{"chat_id": ref.ChatID, "message_id": ref.MessageID}
}

// immediateTx runs a write-locked transaction on a dedicated connection.
// database/sql has no portable way to request BEGIN IMMEDIATE, so the
// statements are issued by hand.
type immediateTx struct {
	conn *sql.Conn
	sb   sq.StatementBuilderType
}

func (t *immediateTx) begin(ctx context.Context) error {
	if _, err := t.conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("begin immediate: %w", err)
	}
	return nil
}

func (t *immediateTx) commit(ctx context.Context) error {
	if _, err := t.conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *immediateTx) rollback() {
	_, _ = t.conn.ExecContext(context.Background(), "ROLLBACK")
}

func (t *immediateTx) exec(ctx context.Context, b sq.Sqlizer) error {
	q, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	_, err = t.conn.ExecContext(ctx, q, args...)
	return err
}

func (t *immediateTx) currentVote(ctx context.Context, ref MessageRef, userID int64) (string, error) {
	q, args, err := t.sb.Select("emoji").From("reaction_votes").
		Where(refEq(ref)).Where(sq.Eq{"user_id": userID}).ToSql()
	if err != nil {
		return "", err
	}
	var emoji string
	err = t.conn.QueryRowContext(ctx, q, args...).Scan(&emoji)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return emoji, err
}

func (t *immediateTx) deleteVote(ctx context.Context, ref MessageRef, userID int64) error {
	return t.exec(ctx, t.sb.Delete("reaction_votes").Where(refEq(ref)).Where(sq.Eq{"user_id": userID}))
}

func (t *immediateTx) insertVote(ctx context.Context, ref MessageRef, userID int64, emoji string, at int64) error {
	return t.exec(ctx, t.sb.Insert("reaction_votes").
		Columns("chat_id", "message_id", "user_id", "emoji", "voted_at").
		Values(ref.ChatID, ref.MessageID, userID, emoji, at))
}

func (t *immediateTx) bump(ctx context.Context, ref MessageRef, emoji string, delta int) error {
	if delta < 0 {
		return t.exec(ctx, t.sb.Update("reaction_counts").
			Set("count", sq.Expr("MAX(count - 1, 0)")).
			Where(refEq(ref)).Where(sq.Eq{"emoji": emoji}))
	}
	return t.exec(ctx, t.sb.Insert("reaction_counts").
		Columns("chat_id", "message_id", "emoji", "count").
		Values(ref.ChatID, ref.MessageID, emoji, 1).
		Suffix("ON CONFLICT(chat_id, message_id, emoji) DO UPDATE SET count = reaction_counts.count + 1"))
}

func (t *immediateTx) prune(ctx context.Context, ref MessageRef) error {
	return t.exec(ctx, t.sb.Delete("reaction_counts").Where(refEq(ref)).Where(sq.LtOrEq{"count": 0}))
}

func (t *immediateTx) count(ctx context.Context, ref MessageRef, emoji string) (int, error) {
	q, args, err := t.sb.Select("count").From("reaction_counts").
		Where(refEq(ref)).Where(sq.Eq{"emoji": emoji}).ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	err = t.conn.QueryRowContext(ctx, q, args...).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}
