// Package logging installs the process-wide slog logger for the Lumen
// emulator and tooling binaries.
package logging

import (
	"io"
	"log/slog"
	"strings"
)

// Setup replaces the default slog logger with one writing to w. Level is
// one of debug, info, warn, error; format is text or json. Unrecognized
// values fall back to info and text.
func Setup(level, format string, w io.Writer) {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler = slog.NewTextHandler(w, opts)
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
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
