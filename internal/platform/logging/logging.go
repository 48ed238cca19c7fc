// Package logging builds the structured logger every subsystem shares,
// grounded on the teacher's cmd/tcp-server JSON-handler setup
// (slog.New(slog.NewJSONHandler(...)) + slog.SetDefault).
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New builds a slog.Logger from a level name ("debug", "info", "warn",
// "error") and a format ("json" or "text"). Unknown level names fall back
// to info; unknown formats fall back to json, matching the teacher's
// production default.
func New(level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
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
