// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("Output is not valid JSON: %v (%q)", err, line)
		}
		out = append(out, entry)
	}
	return out
}

// TestInit_idempotent verifies Init is idempotent.
func TestInit_idempotent(t *testing.T) {
	global = nil
	once = *new(sync.Once)

	var buf1 bytes.Buffer
	Init(&buf1, LevelInfo)
	first := Get()

	var buf2 bytes.Buffer
	Init(&buf2, LevelDebug)

	if Get() != first {
		t.Error("Second Init() should be ignored, different logger returned")
	}
	if Get().out != &buf1 {
		t.Error("Second Init() should be ignored, output writer changed")
	}
}

// TestGet_default verifies default logger creation.
func TestGet_default(t *testing.T) {
	global = nil
	once = *new(sync.Once)

	logger := Get()
	if logger == nil {
		t.Fatal("Get() returned nil without Init()")
	}
	if logger.out != os.Stdout {
		t.Error("Get() should default to os.Stdout")
	}
	if logger.minLevel != LevelInfo {
		t.Errorf("minLevel = %v, want LevelInfo", logger.minLevel)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"warning": LevelWarn,
		" warn ":  LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
		"":        LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

// TestLogger_levels verifies level filtering and field output.
func TestLogger_levels(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.Debug("hidden")
	logger.Info("info message", map[string]interface{}{"key": "value"})
	logger.Warn("warning message")

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0]["level"] != "info" || entries[0]["message"] != "info message" {
		t.Errorf("unexpected first entry: %v", entries[0])
	}
	if entries[0]["key"] != "value" {
		t.Errorf("key = %v, want value", entries[0]["key"])
	}
	if entries[1]["level"] != "warn" {
		t.Errorf("level = %v, want warn", entries[1]["level"])
	}
}

// TestLogger_Error verifies error logging.
func TestLogger_Error(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelDebug)

	logger.Error("error occurred", io.ErrUnexpectedEOF)

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0]["level"] != "error" {
		t.Errorf("level = %v, want error", entries[0]["level"])
	}
	if !strings.Contains(entries[0]["error"].(string), io.ErrUnexpectedEOF.Error()) {
		t.Errorf("error field = %v", entries[0]["error"])
	}
}

// TestLogger_ErrorWithCode verifies error logging with code.
func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.ErrorWithCode("replay failed", "DELIVERY_TRANSIENT", io.EOF,
		map[string]interface{}{"queue_id": "abc"})

	entry := decodeLines(t, &buf)[0]
	if entry["error_code"] != "DELIVERY_TRANSIENT" {
		t.Errorf("error_code = %v", entry["error_code"])
	}
	if entry["queue_id"] != "abc" {
		t.Errorf("queue_id = %v", entry["queue_id"])
	}
}

// TestLogger_Loud verifies loud events bypass the minimum level.
func TestLogger_Loud(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelError)

	logger.Warn("suppressed")
	logger.Loud("store reset", io.ErrUnexpectedEOF, map[string]interface{}{"dropped": 3})

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0]["loud"] != true {
		t.Errorf("loud = %v, want true", entries[0]["loud"])
	}
	if entries[0]["dropped"] != float64(3) {
		t.Errorf("dropped = %v, want 3", entries[0]["dropped"])
	}
}

func TestMergeContext(t *testing.T) {
	if mergeContext() != nil {
		t.Error("empty context should be nil")
	}
	merged := mergeContext(
		map[string]interface{}{"a": 1},
		map[string]interface{}{"b": 2, "a": 3},
	)
	if merged["a"] != 3 || merged["b"] != 2 {
		t.Errorf("merged = %v", merged)
	}
}
