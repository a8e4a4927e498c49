// Package observability builds the process logger and Prometheus metrics.
package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns a JSON logger writing to stdout at the given level
// (debug, info, warn or error; anything else means info).
func NewLogger(level string) *slog.Logger {
	return newLogger(os.Stdout, level)
}

func newLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level)}))
}

func parseLevel(level string) slog.Level {
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
