package metaclient

import (
	"io"
	"log/slog"
	"time"

	"go-slotreg/lease"
)

const minRenewInterval = 100 * time.Millisecond

// options configures the Client behavior (internal only).
type options struct {
	service       string
	durationSecs  int
	renewInterval time.Duration
	logger        *slog.Logger
}

// defaultOptions returns sensible defaults.
func defaultOptions() options {
	return options{
		service:       lease.DataServerID,
		durationSecs:  30,
		renewInterval: 10 * time.Second,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Option is a functional option for configuring a Client.
type Option func(*options)

// WithService sets the service id the node registers under.
// DEFAULT: lease.DataServerID
func WithService(service string) Option {
	return func(o *options) {
		o.service = service
	}
}

// WithLease sets the lease duration requested on renewal and derives the renew
// interval as a third of it. Non-positive durations keep the defaults.
func WithLease(durationSecs int) Option {
	return func(o *options) {
		if durationSecs <= 0 {
			return
		}
		o.durationSecs = durationSecs
		o.renewInterval = max(time.Duration(durationSecs)*time.Second/3, minRenewInterval)
	}
}

// WithRenewInterval sets how often StartRenewer renews the lease.
// Non-positive intervals keep the current one.
func WithRenewInterval(interval time.Duration) Option {
	return func(o *options) {
		if interval <= 0 {
			return
		}
		o.renewInterval = interval
	}
}

// WithLogger sets the logger for the client.
// If the logger is nil, the client will use a no-op logger.
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
