package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON %q: %v", buf.String(), err)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"Error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupWriterRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "WARN", "json")

	Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected INFO to be filtered, got %q", buf.String())
	}

	Warn("shown", "k", "v")
	out := decodeLine(t, &buf)
	if out["msg"] != "shown" || out["k"] != "v" {
		t.Fatalf("unexpected record: %v", out)
	}
}

func TestSetupWriterTextFormat(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "INFO", "text")

	Info("plain")
	if !strings.Contains(buf.String(), "msg=plain") {
		t.Fatalf("expected text handler output, got %q", buf.String())
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger = slog.New(slog.NewJSONHandler(&buf, nil))

	WithComponent("gateway").Info("hello")

	out := decodeLine(t, &buf)
	if out["component"] != "gateway" {
		t.Errorf("Expected component 'gateway', got %v", out["component"])
	}
	if out["msg"] != "hello" {
		t.Errorf("Expected msg 'hello', got %v", out["msg"])
	}
}

func TestWithSession(t *testing.T) {
	var buf bytes.Buffer
	logger = slog.New(slog.NewJSONHandler(&buf, nil))

	WithSession("a1b2c3d4e5f6").Info("session msg")

	out := decodeLine(t, &buf)
	if out["session_id"] != "a1b2c3d4e5f6" {
		t.Errorf("Expected session_id 'a1b2c3d4e5f6', got %v", out["session_id"])
	}
}
