package storage

import (
	"log/slog"
	"os"
)

// NewLogger returns a logger writing to handler. A nil handler logs text
// to stderr at Info.
func NewLogger(handler slog.Handler) *slog.Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return slog.New(handler)
}

// NewTextLogger returns a logger writing human-readable text to stderr.
func NewTextLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NoopLogger returns a logger that discards everything.
func NoopLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// shardLogger tags a store logger with a shard number.
func shardLogger(l *slog.Logger, shard int) *slog.Logger {
	return l.With("shard", shard)
}
