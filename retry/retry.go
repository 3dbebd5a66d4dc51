// Package retry polls a condition with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted is returned when the condition still does not hold after the
// last permitted attempt.
var ErrExhausted = errors.New("retry attempts exhausted")

var errNotReady = errors.New("condition not met")

// Policy bounds a polling loop. Waits start at Initial, grow by Multiplier and
// never exceed Max. MaxAttempts counts calls to the condition, including the
// first one.
type Policy struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
}

// DefaultPolicy waits 1s, 2s, 4s, 8s, then 10s between attempts and gives up
// after the 10th attempt.
func DefaultPolicy() Policy {
	return Policy{
		Initial:     time.Second,
		Max:         10 * time.Second,
		Multiplier:  2,
		MaxAttempts: 10,
	}
}

// Check reports whether the awaited condition holds. An error counts as a
// failed attempt and is retried like a false result.
type Check func(ctx context.Context) (bool, error)

type options struct {
	logger *slog.Logger
	name   string
}

// Option configures a call to Until.
type Option func(*options)

// WithLogger sets the logger notified of every failed attempt.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithName labels the log lines of the loop.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// Until calls check until it returns true, the policy is exhausted or ctx is
// done. It returns the number of attempts made.
func Until(ctx context.Context, policy Policy, check Check, opts ...Option) (int, error) {
	var o = options{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		name:   "condition",
	}
	for _, opt := range opts {
		opt(&o)
	}

	var (
		attempts int
		lastErr  error
	)
	var operation = func() error {
		attempts++
		ok, err := check(ctx)
		switch {
		case err != nil:
			lastErr = err
		case !ok:
			lastErr = errNotReady
		default:
			return nil
		}
		return lastErr
	}

	var notify = func(err error, next time.Duration) {
		o.logger.Warn("retrying",
			"name", o.name,
			"attempt", attempts,
			"max_attempts", policy.MaxAttempts,
			"next", next,
			"error", err)
	}

	err := backoff.RetryNotify(operation, policy.backOff(ctx), notify)
	if err == nil {
		return attempts, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return attempts, ctxErr
	}
	return attempts, fmt.Errorf("%w: %s after %d attempts: %w", ErrExhausted, o.name, attempts, lastErr)
}

// backOff translates the policy into a backoff schedule. Zero fields take the
// DefaultPolicy value.
func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	var def = DefaultPolicy()
	if p.Initial <= 0 {
		p.Initial = def.Initial
	}
	if p.Max <= 0 {
		p.Max = def.Max
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var exponential = backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.Initial),
		backoff.WithMaxInterval(p.Max),
		backoff.WithMultiplier(p.Multiplier),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)

	return backoff.WithContext(backoff.WithMaxRetries(exponential, uint64(p.MaxAttempts-1)), ctx)
}
