package config

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// ParseSizeField parses a human size ("50MB", "2GiB", "1048576"). Empty means 0.
func ParseSizeField(path, raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid size %q: %w", path, raw, err)
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("%s: size too large", path)
	}
	return int64(n), nil
}
