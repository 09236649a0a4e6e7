// Package logging sets up the process-wide structured logger.
package logging

import (
	"log/slog"
	"os"
)

// New builds a slog.Logger: JSON output normally, a more readable text
// handler with debug level when debug is true.
func New(debug bool) *slog.Logger {
	level := slog.LevelInfo
	var handler slog.Handler
	if debug {
		level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
