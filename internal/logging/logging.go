// Package logging provides structured JSON logging for nexus-router.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// New creates a JSON slog logger writing to stderr at Info level.
func New() *slog.Logger {
	return NewWithWriter(os.Stderr)
}

// NewWithWriter creates a JSON slog logger with a custom writer. Useful for
// tests or redirecting output.
func NewWithWriter(w io.Writer) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(handler)
}

// ForRun binds run_id as a base attribute so every record of one run
// carries its correlation key.
func ForRun(logger *slog.Logger, runID string) *slog.Logger {
	if logger == nil {
		logger = New()
	}
	return logger.With("run_id", runID)
}
