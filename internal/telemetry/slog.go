package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ServiceName is attached to every log record so portal logs can be separated
// from other services in a shared aggregator.
const ServiceName = "gladgrade-portal"

// SetupLogger installs the process-wide slog default logger.
//
// format: "json" selects the JSON handler; anything else selects the text handler.
// level: "debug", "info", "warn", "error" (case-insensitive); defaults to "info".
//
// Audit write failures are reported only through this logger, so it must be
// configured before the audit logger is constructed.
func SetupLogger(format, level string) {
	lvl := ParseLevel(level)
	slog.SetDefault(slog.New(newHandler(os.Stdout, format, lvl)).With("service", ServiceName))
	slog.Info("logger initialised", "format", format, "level", lvl.String())
}

// ParseLevel maps a configured level name to a slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newHandler(w io.Writer, format string, lvl slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}
	if strings.ToLower(format) == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
