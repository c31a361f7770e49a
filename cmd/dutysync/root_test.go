package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLogHandler_FormatSelection(t *testing.T) {
	// Given: a "text" format configuration
	var buf bytes.Buffer
	slog.New(newLogHandler(&buf, "info", "text")).Info("sample line", "key", "value")

	// Then: the line is logfmt-style, not JSON
	line := buf.String()
	if strings.HasPrefix(strings.TrimSpace(line), "{") {
		t.Errorf("text format produced JSON: %s", line)
	}
	if !strings.Contains(line, "key=value") {
		t.Errorf("expected key=value attr in text output: %s", line)
	}

	// Given: the default "json" format
	buf.Reset()
	slog.New(newLogHandler(&buf, "info", "json")).Info("sample line", "key", "value")

	// Then: the line decodes as a JSON object
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("json format did not produce JSON: %v (%s)", err, buf.String())
	}
	if entry["key"] != "value" {
		t.Errorf("expected key attr in JSON output, got %v", entry)
	}
}

func TestNewLogHandler_HonorsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newLogHandler(&buf, "warn", "text"))

	logger.Info("suppressed")
	if buf.Len() != 0 {
		t.Errorf("info line emitted at warn level: %s", buf.String())
	}
	logger.Warn("emitted")
	if buf.Len() == 0 {
		t.Error("warn line suppressed at warn level")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
