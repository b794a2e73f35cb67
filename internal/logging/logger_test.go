package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func newBufferedLogger(level, format string) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return &Logger{level: level, format: format, output: &buf}, &buf
}

func TestLogger_JSONEntry(t *testing.T) {
	logger, buf := newBufferedLogger("info", "json")

	logger.Info("sign-in granted", map[string]interface{}{"uid": "sub-1"})

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to parse log entry: %v", err)
	}
	if entry.Level != "info" || entry.Message != "sign-in granted" {
		t.Errorf("Unexpected entry: %+v", entry)
	}
	if entry.Fields["uid"] != "sub-1" {
		t.Errorf("Expected uid field, got %+v", entry.Fields)
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	logger, buf := newBufferedLogger("warn", "json")

	logger.Debug("noise", nil)
	logger.Info("noise", nil)
	if buf.Len() != 0 {
		t.Errorf("Expected debug/info to be suppressed at warn, got %q", buf.String())
	}

	logger.Warn("kept", nil)
	if buf.Len() == 0 {
		t.Error("Expected warn to be emitted at warn level")
	}
}

func TestLogger_ErrorIncludesError(t *testing.T) {
	logger, buf := newBufferedLogger("info", "json")

	logger.Error("roster lookup failed", errSentinel("boom"), nil)

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to parse log entry: %v", err)
	}
	if entry.Fields["error"] != "boom" {
		t.Errorf("Expected error field, got %+v", entry.Fields)
	}
}

func TestLogger_WithBaseFields(t *testing.T) {
	logger, buf := newBufferedLogger("info", "json")
	derived := logger.With(map[string]interface{}{"component": "flow", "shared": "base"})

	derived.Info("started", map[string]interface{}{"shared": "call"})

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to parse log entry: %v", err)
	}
	if entry.Fields["component"] != "flow" {
		t.Errorf("Expected base field on every entry, got %+v", entry.Fields)
	}
	if entry.Fields["shared"] != "call" {
		t.Errorf("Call-site fields must win on collision, got %+v", entry.Fields)
	}

	// The parent logger is untouched.
	buf.Reset()
	logger.Info("plain", nil)
	if strings.Contains(buf.String(), "component") {
		t.Errorf("Parent logger must not inherit derived fields: %q", buf.String())
	}
}

func TestLogger_TextFormat(t *testing.T) {
	logger, buf := newBufferedLogger("info", "text")

	logger.Info("listening", map[string]interface{}{"port": 8080})

	out := buf.String()
	if !strings.Contains(out, "info: listening") || !strings.Contains(out, "port") {
		t.Errorf("Unexpected text output: %q", out)
	}
}

type errSentinel string

func (e errSentinel) Error() string { return string(e) }
