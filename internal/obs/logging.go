// Package obs contains observability utilities such as logging and metrics.
package obs

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the global structured logger used by the service.
//
// It starts as a JSON logger at info level so packages can log before
// InitLogger runs (tests, CLI subcommands).
var Logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

// InitLogger replaces the global Logger with one writing to stdout at the given
// level ("debug", "info", "warn", "error") and format ("json" or "text").
func InitLogger(level, format string) {
	Logger = NewLogger(os.Stdout, level, format)
	slog.SetDefault(Logger)
}

// NewLogger builds a logger without touching the global one.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
