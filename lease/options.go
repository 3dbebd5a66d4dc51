package lease

import (
	"io"
	"log/slog"
	"time"
)

// options configures lease managers and the eviction sweeper.
type options struct {
	clock         func() time.Time
	sweepInterval time.Duration
	logger        *slog.Logger
}

// defaultOptions returns sensible defaults.
func defaultOptions() options {
	return options{
		clock:         time.Now,
		sweepInterval: 5 * time.Second,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Option is a functional option for configuring lease managers.
type Option func(*options)

// WithClock sets the time source used to stamp leases and commands.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithSweepInterval sets how often the eviction sweeper scans for expired leases.
func WithSweepInterval(interval time.Duration) Option {
	return func(o *options) {
		o.sweepInterval = interval
	}
}

// WithLogger sets the logger.
// If the logger is nil, a no-op logger is used.
// DEFAULT: A no-op logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger == nil {
			o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
			return
		}

		o.logger = logger
	}
}
