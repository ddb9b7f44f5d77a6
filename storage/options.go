package storage

import (
	"log/slog"
	"time"
)

// DefaultFlushInterval is how often a store flushes in the background.
const DefaultFlushInterval = 10 * time.Second

// FlushEvent is sent to a flush notifier around every store flush.
type FlushEvent uint8

const (
	FlushStarted FlushEvent = iota
	FlushStopped
)

func (e FlushEvent) String() string {
	switch e {
	case FlushStarted:
		return "FlushStarted"
	case FlushStopped:
		return "FlushStopped"
	}
	return "Unknown"
}

type options struct {
	logger        *slog.Logger
	flushInterval time.Duration
	notify        func(FlushEvent)
}

// Option configures a store when it is created or opened. Options are
// not persisted.
type Option func(*options)

// WithLogger configures structured logging. Pass nil to disable logging.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithFlushInterval sets how often the store flushes in the background.
// Zero or less turns periodic flushing off.
func WithFlushInterval(d time.Duration) Option {
	return func(o *options) {
		o.flushInterval = d
	}
}

// WithFlushNotifier registers fn to be told when each flush starts and
// stops. Events are delivered in order on a separate goroutine, so a slow
// fn delays later events but never a flush. Close waits for the last
// event to be delivered.
func WithFlushNotifier(fn func(FlushEvent)) Option {
	return func(o *options) {
		o.notify = fn
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		logger:        NewLogger(nil),
		flushInterval: DefaultFlushInterval,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
