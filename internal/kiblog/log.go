// Package kiblog builds the process-wide structured logger shared by every
// component. Every subsystem gets its own handle via With so log lines carry
// a "component" attribute without repeating it at each call site.
package kiblog

import (
	"log/slog"
	"os"
	"strings"
)

// Init installs the process-wide default logger. format is "json" or "text";
// anything else falls back to "text". level is one of debug/info/warn/error.
func Init(format, level string) {
	slog.SetDefault(slog.New(newHandler(format, level)))
}

func newHandler(format, level string) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.NewTextHandler(os.Stdout, opts)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// With returns a logger scoped to the named component, e.g. With("scheduler").
func With(component string) *slog.Logger {
	return slog.Default().With(slog.String("component", component))
}
