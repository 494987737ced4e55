package posts

import (
	"context"
	"strings"
	"time"

	"postbot/internal/storage"
)

var whenLayouts = []string{
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
}

// SetDefaultTimezone sets the zone used for channels without one. Empty means UTC.
func (s *Service) SetDefaultTimezone(tz string) error {
	loc := time.UTC
	if tz = strings.TrimSpace(tz); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return invalid("timezone %q: %v", tz, err)
		}
		loc = l
	}
	s.mu.Lock()
	s.loc = loc
	s.mu.Unlock()
	return nil
}

// Location returns the time zone of channel ref, or the default zone.
func (s *Service) Location(ctx context.Context, ref string) *time.Location {
	s.mu.RLock()
	def := s.loc
	s.mu.RUnlock()

	ch, err := s.store.GetChannel(ctx, storage.NormalizeChannelRef(ref))
	if err != nil || ch.Timezone == "" {
		return def
	}
	loc, err := time.LoadLocation(ch.Timezone)
	if err != nil {
		return def
	}
	return loc
}

// ParseWhen parses a user supplied time for post id. RFC 3339 values carry their
// own offset; local layouts ("2006-01-02 15:04") and relative durations ("+90m")
// are read in the post's channel zone.
func (s *Service) ParseWhen(ctx context.Context, id int64, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, invalid("time required")
	}
	if rest, ok := strings.CutPrefix(raw, "+"); ok {
		d, err := time.ParseDuration(rest)
		if err != nil || d <= 0 {
			return time.Time{}, invalid("relative time %q", raw)
		}
		return s.now().Add(d), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}

	p, err := s.store.GetPost(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	loc := s.Location(ctx, p.ChannelRef)
	for _, layout := range whenLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, invalid("unrecognized time %q", raw)
}
