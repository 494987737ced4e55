package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// UpsertChannel inserts or updates the channel keyed by its external ref and returns its id.
func (s *Store) UpsertChannel(ctx context.Context, c Channel) (int64, error) {
	c.ExternalRef = NormalizeChannelRef(c.ExternalRef)
	if c.ExternalRef == "" {
		return 0, errors.New("channel external ref is required")
	}
	row, err := s.queryRow(ctx, s.sb.Insert("channels").
		Columns("external_ref", "display_name", "public_handle", "admin", "owner_id", "timezone").
		Values(c.ExternalRef, c.DisplayName, nullStr(c.PublicHandle), c.Admin, c.OwnerID, nullStr(c.Timezone)).
		Suffix(`ON CONFLICT(external_ref) DO UPDATE SET
			display_name = excluded.display_name,
			public_handle = excluded.public_handle,
			admin = excluded.admin,
			owner_id = excluded.owner_id,
			timezone = COALESCE(excluded.timezone, channels.timezone)
			RETURNING id`))
	if err != nil {
		return 0, err
	}
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("upsert channel %s: %w", c.ExternalRef, err)
	}
	return id, nil
}

// GetChannel looks a channel up by external ref.
func (s *Store) GetChannel(ctx context.Context, ref string) (Channel, error) {
	ref = NormalizeChannelRef(ref)
	row, err := s.queryRow(ctx, s.sb.
		Select("id", "external_ref", "display_name", "public_handle", "admin", "owner_id", "timezone").
		From("channels").
		Where(sq.Eq{"external_ref": ref}))
	if err != nil {
		return Channel{}, err
	}
	var (
		c            Channel
		handle, zone sql.NullString
	)
	if err := row.Scan(&c.ID, &c.ExternalRef, &c.DisplayName, &handle, &c.Admin, &c.OwnerID, &zone); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Channel{}, ErrNotFound
		}
		return Channel{}, fmt.Errorf("get channel %s: %w", ref, err)
	}
	c.PublicHandle = handle.String
	c.Timezone = zone.String
	return c, nil
}

// SetChannelTimezone sets the IANA time zone of a channel. An empty tz clears it.
func (s *Store) SetChannelTimezone(ctx context.Context, ref, tz string) error {
	res, err := s.exec(ctx, s.sb.Update("channels").
		Set("timezone", nullStr(tz)).
		Where(sq.Eq{"external_ref": NormalizeChannelRef(ref)}))
	if err != nil {
		return fmt.Errorf("set channel timezone: %w", err)
	}
	return mustAffect(res)
}
