// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	logger.Info("session acquired", slog.String(SessionIDKey, "abc-123"))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if entry["msg"] != "session acquired" {
		t.Errorf("msg = %v, want %q", entry["msg"], "session acquired")
	}
	if entry[SessionIDKey] != "abc-123" {
		t.Errorf("%s = %v, want %q", SessionIDKey, entry[SessionIDKey], "abc-123")
	}
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatText, Output: &buf})

	logger.Info("tool call complete", slog.String(ToolKey, "echo"))

	out := buf.String()
	if !strings.Contains(out, "tool call complete") {
		t.Errorf("output missing message: %s", out)
	}
	if !strings.Contains(out, "tool=echo") {
		t.Errorf("output missing tool field: %s", out)
	}
}

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "warn", Format: FormatJSON, Output: &buf})

	logger.Debug("should be dropped")
	logger.Info("should be dropped too")
	if buf.Len() != 0 {
		t.Errorf("expected no output below warn, got: %s", buf.String())
	}

	logger.Warn("should appear")
	if buf.Len() == 0 {
		t.Error("warn message should have been logged")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"trace", LevelTrace},
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFromEnv_Debug(t *testing.T) {
	t.Setenv("FERRY_DEBUG", "1")
	cfg := FromEnv()
	if cfg.Level != "debug" {
		t.Errorf("Level = %q, want debug", cfg.Level)
	}
	if !cfg.AddSource {
		t.Error("AddSource should be enabled by FERRY_DEBUG")
	}
}

func TestFromEnv_LevelPrecedence(t *testing.T) {
	t.Setenv("FERRY_DEBUG", "")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("FERRY_LOG_LEVEL", "error")

	cfg := FromEnv()
	if cfg.Level != "error" {
		t.Errorf("FERRY_LOG_LEVEL should win, got %q", cfg.Level)
	}
}

func TestWithJob(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	WithJob(logger, "tool-execution", "job-1").Info("processing")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry[QueueKey] != "tool-execution" || entry[JobIDKey] != "job-1" {
		t.Errorf("missing job context fields: %v", entry)
	}
}
