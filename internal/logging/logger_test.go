package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  slog.Level
	}{
		{"info", "info", slog.LevelInfo},
		{"debug", "debug", slog.LevelDebug},
		{"trace", "trace", LevelTrace},
		{"uppercase INFO", "INFO", slog.LevelInfo},
		{"uppercase DEBUG", "DEBUG", slog.LevelDebug},
		{"uppercase TRACE", "TRACE", LevelTrace},
		{"mixed case Debug", "Debug", slog.LevelDebug},
		{"unknown defaults to info", "unknown", slog.LevelInfo},
		{"empty defaults to info", "", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name  string
		level string
	}{
		{"info level", "info"},
		{"debug level", "debug"},
		{"trace level", "trace"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(tt.level, &buf)
			if logger == nil {
				t.Fatal("NewLogger returned nil")
			}
		})
	}
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		name       string
		level      string
		logAtDebug bool
		logAtInfo  bool
	}{
		{"info filters debug", "info", false, true},
		{"debug passes debug", "debug", true, true},
		{"trace passes debug", "trace", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(tt.level, &buf)

			logger.Debug("debug message")
			hasDebug := strings.Contains(buf.String(), "debug message")
			if hasDebug != tt.logAtDebug {
				t.Errorf("debug message visible = %v, want %v (buf: %q)", hasDebug, tt.logAtDebug, buf.String())
			}

			buf.Reset()
			logger.Info("info message")
			hasInfo := strings.Contains(buf.String(), "info message")
			if hasInfo != tt.logAtInfo {
				t.Errorf("info message visible = %v, want %v (buf: %q)", hasInfo, tt.logAtInfo, buf.String())
			}
		})
	}
}

func TestLevelTrace(t *testing.T) {
	// Trace should be below debug (more verbose)
	if LevelTrace >= slog.LevelDebug {
		t.Errorf("LevelTrace (%d) should be less than LevelDebug (%d)", LevelTrace, slog.LevelDebug)
	}
}

func TestOpenEventLog_InfoLevel(t *testing.T) {
	dir := t.TempDir()
	el := OpenEventLog(dir, "events.jsonl", "info", "trial-1")

	if el != nil {
		t.Error("expected nil EventLog at info level")
	}

	// Nil log should still be safe to use
	el.Emit("state", map[string]any{"to": "running"})

	if _, err := os.Stat(filepath.Join(dir, "events.jsonl")); err == nil {
		t.Error("events.jsonl should not exist at info level")
	}
}

func TestOpenEventLog_DebugLevel(t *testing.T) {
	dir := t.TempDir()
	el := OpenEventLog(dir, "events.jsonl", "debug", "trial-1")
	defer el.Close()

	el.Emit("progress", map[string]any{"tick": 1000, "rate_hz": 4.5})

	data, err := os.ReadFile(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		t.Fatalf("failed to read events.jsonl: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("failed to parse JSONL entry: %v", err)
	}

	if entry["event"] != "progress" {
		t.Errorf("event = %v, want progress", entry["event"])
	}
	if entry["trial"] != "trial-1" {
		t.Errorf("trial = %v, want trial-1", entry["trial"])
	}
	if entry["rate_hz"] != 4.5 {
		t.Errorf("rate_hz = %v, want 4.5", entry["rate_hz"])
	}
	if _, ok := entry["time"]; !ok {
		t.Error("expected 'time' field in event entry")
	}
}

func TestOpenEventLog_TruncatesPreviousTrial(t *testing.T) {
	dir := t.TempDir()
	first := OpenEventLog(dir, "events.jsonl", "trace", "a")
	first.Emit("state", nil)
	first.Emit("state", nil)
	first.Close()

	second := OpenEventLog(dir, "events.jsonl", "trace", "b")
	second.Emit("state", nil)
	second.Close()

	data, err := os.ReadFile(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		t.Fatalf("failed to read events.jsonl: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), string(data))
	}
	if !strings.Contains(lines[0], `"trial":"b"`) {
		t.Errorf("unexpected line %q", lines[0])
	}
}

func TestEventLog_NilSafety(t *testing.T) {
	var el *EventLog
	el.Emit("should_not_panic", nil)
	el.Close()
}

func TestEventLog_DoesNotMutateCallerMap(t *testing.T) {
	el := OpenEventLog(t.TempDir(), "events.jsonl", "debug", "x")
	defer el.Close()

	fields := map[string]any{"tick": 1}
	el.Emit("progress", fields)

	if len(fields) != 1 {
		t.Errorf("Emit() mutated caller's map: %v", fields)
	}
}

func TestEventLog_EmitAfterClose(t *testing.T) {
	el := OpenEventLog(t.TempDir(), "events.jsonl", "debug", "x")
	el.Emit("before_close", nil)
	el.Close()
	el.Emit("after_close", nil)
}

func TestOpenEventLog_CreatesDir(t *testing.T) {
	nestedDir := filepath.Join(t.TempDir(), "sub", "dir")

	el := OpenEventLog(nestedDir, "events.jsonl", "debug", "x")
	if el == nil {
		t.Fatal("expected non-nil EventLog when dir needs creation")
	}
	defer el.Close()

	el.Emit("dir_create_test", nil)

	if _, err := os.Stat(filepath.Join(nestedDir, "events.jsonl")); err != nil {
		t.Fatalf("events.jsonl should exist after dir creation: %v", err)
	}
}

func TestDiscard(t *testing.T) {
	Discard().Info("dropped")
}
