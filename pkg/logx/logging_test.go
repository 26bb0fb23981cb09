package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLoggerWithFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "poller"))

	log.Debug("hidden")
	log.Info("tick done", Int("new_items", 2))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["comp"] != "poller" || m["message"] != "tick done" {
		t.Fatalf("unexpected record: %v", m)
	}
	if m["new_items"] != float64(2) {
		t.Fatalf("new_items = %v", m["new_items"])
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("must not panic")
	if Nop().IsZero() {
		t.Fatal("Nop logger should not be zero")
	}
}

func TestFormatTelegramJSON(t *testing.T) {
	got := formatTelegramJSON([]byte(`{"level":"warn","message":"dispatch failed","time":"x","comp":"dispatch","dest":"-100"}`))
	want := "[WARN] dispatch failed\n- comp=dispatch\n- dest=-100"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if got := formatTelegramJSON([]byte("plain text\n")); got != "plain text" {
		t.Fatalf("raw passthrough = %q", got)
	}
}
