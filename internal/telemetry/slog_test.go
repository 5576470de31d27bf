package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// ParseLevel
// ---------------------------------------------------------------------------

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// newHandler
// ---------------------------------------------------------------------------

func TestNewHandler_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, "JSON", slog.LevelInfo))
	logger.Error("failed to write audit record", "action_type", "ASSIGN")

	var obj map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &obj); err != nil {
		t.Fatalf("output is not valid JSON: %v\noutput: %s", err, buf.String())
	}
	if obj["msg"] != "failed to write audit record" {
		t.Errorf("msg = %v", obj["msg"])
	}
	if obj["action_type"] != "ASSIGN" {
		t.Errorf("action_type = %v, want ASSIGN", obj["action_type"])
	}
	if _, ok := obj["source"]; ok {
		t.Error("source must only be added at debug level")
	}
}

func TestNewHandler_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, "text", slog.LevelInfo))
	logger.Info("prospect reassigned", "prospect_id", 42)

	line := buf.String()
	if !strings.Contains(line, `msg="prospect reassigned"`) {
		t.Errorf("text output missing message: %q", line)
	}
	if !strings.Contains(line, "prospect_id=42") {
		t.Errorf("text output missing attribute: %q", line)
	}
}

func TestNewHandler_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, "json", slog.LevelWarn))
	logger.Info("should be suppressed")
	logger.Warn("should appear")

	output := buf.String()
	if strings.Contains(output, "should be suppressed") {
		t.Error("Info record appeared despite LevelWarn filter")
	}
	if !strings.Contains(output, "should appear") {
		t.Error("Warn record was unexpectedly suppressed")
	}
}

func TestNewHandler_DebugAddsSource(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, "json", slog.LevelDebug))
	logger.Debug("recent activity limit clamped")

	var obj map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &obj); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := obj["source"]; !ok {
		t.Error("debug level should include source location")
	}
}

// ---------------------------------------------------------------------------
// SetupLogger
// ---------------------------------------------------------------------------

func TestSetupLogger_InstallsDefault(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	SetupLogger("json", "error")
	if slog.Default() == prev {
		t.Fatal("SetupLogger did not replace the default logger")
	}
	if slog.Default().Enabled(context.Background(), slog.LevelWarn) {
		t.Error("warn should be disabled at error level")
	}
	if !slog.Default().Enabled(context.Background(), slog.LevelError) {
		t.Error("error should be enabled at error level")
	}
}
