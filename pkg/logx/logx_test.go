package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int64("post_id", 7))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v (%s)", err, buf.String())
	}
	if m["comp"] != "test" || m["message"] != "hello" {
		t.Fatalf("unexpected line: %v", m)
	}
	if m["post_id"].(float64) != 7 {
		t.Fatalf("post_id = %v", m["post_id"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %s", buf.String())
	}
	if log.Enabled(LevelDebug) {
		t.Fatal("debug should be disabled")
	}
}

func TestZeroLoggerIsNop(t *testing.T) {
	var log Logger
	if !log.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	log.Error("nothing happens")
}

func TestFormatTelegramJSON(t *testing.T) {
	line := []byte(`{"level":"warn","message":"post deferred","post_id":3,"time":"x"}`)
	got := formatTelegramJSON(line)
	if !strings.HasPrefix(got, "[WARN] post deferred") {
		t.Fatalf("got %q", got)
	}
	if !strings.Contains(got, "- post_id=3") || strings.Contains(got, "time=") {
		t.Fatalf("got %q", got)
	}
}
