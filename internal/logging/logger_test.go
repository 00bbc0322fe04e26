// SPDX-License-Identifier: Apache-2.0

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "", want: slog.LevelInfo},
		{in: "debug", want: slog.LevelDebug},
		{in: "info", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: " ERROR ", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		if got := parseLevel(tc.in); got != tc.want {
			t.Fatalf("parseLevel(%q): expected %v got %v", tc.in, tc.want, got)
		}
	}
}

func TestNewLogger(t *testing.T) {
	if logger := NewLogger("dev", "debug", "api"); logger == nil {
		t.Fatal("expected dev logger")
	}
	if logger := NewLogger("prod", "", "worker"); logger == nil {
		t.Fatal("expected prod logger")
	}
}

func TestProdLoggerWritesJSONWithService(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "prod", "info", "worker")

	logger.Debug("hidden")
	logger.Info("registration claimed", "run_name", "churn")

	line := strings.TrimSpace(buf.String())
	if strings.Contains(line, "hidden") {
		t.Fatalf("expected debug line filtered, got %q", line)
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("expected a single JSON line, got %q: %v", line, err)
	}
	if entry["service"] != "worker" || entry["run_name"] != "churn" {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if _, ok := entry["source"]; ok {
		t.Fatal("expected no source in prod logs")
	}
}

func TestDevLoggerIncludesSource(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "dev", "debug", "").Debug("lookup")

	out := buf.String()
	if !strings.Contains(out, "source=") {
		t.Fatalf("expected source attribute, got %q", out)
	}
	if strings.Contains(out, "service=") {
		t.Fatalf("expected no service attribute, got %q", out)
	}
}
