// Package logging configures the process-wide structured logger. All
// components log through log/slog; this package's only job is wiring the
// JSON handler and the redaction layer in front of it.
package logging

import (
	"log/slog"
	"os"
)

// Init installs the default logger for a process identified by
// componentID (a worker ID, "api", or similar) and returns it.
func Init(componentID string) *slog.Logger {
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	handler = newRedactingHandler(handler)
	logger := slog.New(handler).With("component", componentID)
	slog.SetDefault(logger)
	return logger
}
