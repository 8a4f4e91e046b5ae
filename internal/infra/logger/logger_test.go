package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"arbiter-ai/internal/infra/config"
)

func TestNewHandlerJSON(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(newHandler(&buf, config.LoggerConfig{Level: "info", Format: "json"}))

	log.Info("plan installed", "tier", "heuristic", "duration", 1500*time.Microsecond)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON: %v, output: %s", err, buf.String())
	}
	if entry["msg"] != "plan installed" {
		t.Errorf("msg = %q, want %q", entry["msg"], "plan installed")
	}
	if entry["duration_ms"] != 1.5 {
		t.Errorf("duration_ms = %v, want 1.5", entry["duration_ms"])
	}
}

func TestNewHandlerLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(newHandler(&buf, config.LoggerConfig{Level: "warn", Format: "text"}))
	log.Info("dropped")
	log.Warn("kept")
	if strings.Contains(buf.String(), "dropped") || !strings.Contains(buf.String(), "kept") {
		t.Errorf("unexpected output: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arbiter.log")
	log, closer, err := New(config.LoggerConfig{Level: "debug", Format: "text", Output: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	Component(log, "arbiter").Debug("tick", "mode", "fast_planner")
	if err := closer(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "component=arbiter") {
		t.Errorf("log file missing component: %s", data)
	}
}

func TestNewBadOutput(t *testing.T) {
	if _, _, err := New(config.LoggerConfig{Output: filepath.Join(t.TempDir(), "missing", "x.log")}); err == nil {
		t.Fatal("expected error for unwritable output")
	}
}

func TestOpenOutputStd(t *testing.T) {
	for _, out := range []string{"stdout", "stderr", "", "discard"} {
		w, closer, err := openOutput(out)
		if err != nil || w == nil {
			t.Fatalf("openOutput(%q): %v", out, err)
		}
		if err := closer(); err != nil {
			t.Errorf("closer(%q): %v", out, err)
		}
	}
}
