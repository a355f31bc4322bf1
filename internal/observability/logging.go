package observability

import (
	"log/slog"
	"os"
)

// NewLogger returns a JSON logger with a component field attached.
func NewLogger(component string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger := slog.New(handler)
	if component != "" {
		logger = logger.With("component", component)
	}
	return logger
}

func WithResults(logger *slog.Logger, results string) *slog.Logger {
	if logger == nil || results == "" {
		return logger
	}
	return logger.With("results", results)
}

func WithCluster(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil || name == "" {
		return logger
	}
	return logger.With("cluster", name)
}
