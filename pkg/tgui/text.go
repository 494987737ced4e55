package tgui

import "unicode/utf8"

const ellipsis = "…"

// TruncRunes shortens s to at most n runes, marking the cut with an ellipsis.
// The ellipsis counts toward n so the result never exceeds n runes.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	if n == 1 {
		return ellipsis
	}
	kept := 0
	for i := range s {
		if kept == n-1 {
			return s[:i] + ellipsis
		}
		kept++
	}
	return s
}
