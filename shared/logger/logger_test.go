// Copyright 2025 Enclava
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"encoding/json"
	"log"
	"strings"
	"testing"
)

func captureOutput(fn func()) string {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(nil)
	log.SetFlags(0)
	fn()
	return buf.String()
}

func TestLogProducesValidJSON(t *testing.T) {
	l := New("gateway")

	out := captureOutput(func() {
		l.Info("req-123", "request completed", map[string]interface{}{
			"model":       "tee-llama-3-70b",
			"user_id":     int64(42),
			"duration_ms": 12.5,
		})
	})

	var entry LogEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &entry); err != nil {
		t.Fatalf("log output is not valid JSON: %v\noutput: %s", err, out)
	}

	if entry.Level != INFO {
		t.Errorf("expected level INFO, got %s", entry.Level)
	}
	if entry.Component != "gateway" {
		t.Errorf("expected component gateway, got %s", entry.Component)
	}
	if entry.RequestID != "req-123" {
		t.Errorf("expected request_id req-123, got %s", entry.RequestID)
	}
	if entry.Fields["model"] != "tee-llama-3-70b" {
		t.Errorf("expected model field, got %v", entry.Fields["model"])
	}
}

func TestLogLevels(t *testing.T) {
	l := New("test")

	tests := []struct {
		name  string
		logFn func(string, string, map[string]interface{})
		level LogLevel
	}{
		{"debug", l.Debug, DEBUG},
		{"info", l.Info, INFO},
		{"warn", l.Warn, WARN},
		{"error", l.Error, ERROR},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := captureOutput(func() {
				tt.logFn("req-1", "message", nil)
			})

			var entry LogEntry
			if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &entry); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			if entry.Level != tt.level {
				t.Errorf("expected level %s, got %s", tt.level, entry.Level)
			}
		})
	}
}

func TestInfoWithDuration(t *testing.T) {
	l := New("test")

	out := captureOutput(func() {
		l.InfoWithDuration("req-2", "dispatch finished", 42.0, nil)
	})

	var entry LogEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry.Fields["duration_ms"] != 42.0 {
		t.Errorf("expected duration_ms 42, got %v", entry.Fields["duration_ms"])
	}
}
