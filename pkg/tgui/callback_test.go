package tgui

import (
	"strings"
	"testing"
)

func TestDataRoundTrip(t *testing.T) {
	t.Parallel()
	d, err := Data("r", "👍")
	if err != nil {
		t.Fatalf("Data error: %v", err)
	}
	prefix, payload, ok := Parse(d)
	if !ok || prefix != "r" || payload != "👍" {
		t.Fatalf("Parse(%q) = %q, %q, %v", d, prefix, payload, ok)
	}
}

func TestDataTooLong(t *testing.T) {
	t.Parallel()
	if _, err := Data("r", strings.Repeat("x", MaxCallbackDataLen)); err != ErrCallbackDataTooLong {
		t.Fatalf("err = %v, want ErrCallbackDataTooLong", err)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "r", ":x", "r:"} {
		if _, _, ok := Parse(in); ok {
			t.Fatalf("Parse(%q) ok = true, want false", in)
		}
	}
}
