package meta

import (
	"io"
	"log/slog"
	"time"

	"go-slotreg/database"
)

// options configures the Server behavior (internal only).
type options struct {
	slotNum           int
	replicas          int
	leaseDurationSecs int
	assignInterval    time.Duration
	sweepInterval     time.Duration
	clock             func() time.Time
	queries           *database.Queries
	leaderID          func() uint64
	logger            *slog.Logger
}

// defaultOptions returns sensible defaults.
func defaultOptions() options {
	var leaseDurationSecs = 30
	return options{
		slotNum:           256,
		replicas:          2,
		leaseDurationSecs: leaseDurationSecs,
		assignInterval:    time.Second,
		sweepInterval:     time.Duration(leaseDurationSecs) * time.Second / 6,
		clock:             time.Now,
		leaderID:          func() uint64 { return 0 },
		logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Option is a functional option for configuring a Server.
type Option func(*options)

// WithSlots sets the number of slots and the replicas per slot.
func WithSlots(slotNum, replicas int) Option {
	return func(o *options) {
		o.slotNum = slotNum
		o.replicas = replicas
	}
}

// WithLeaseDuration sets the lease duration applied to renewals that carry
// none, and derives the sweep interval from it.
func WithLeaseDuration(secs int) Option {
	return func(o *options) {
		o.leaseDurationSecs = secs
		o.sweepInterval = time.Duration(secs) * time.Second / 6
	}
}

// WithAssignInterval sets how often the leader recomputes the slot table.
func WithAssignInterval(interval time.Duration) Option {
	return func(o *options) {
		o.assignInterval = interval
	}
}

// WithSweepInterval sets how often the leader evicts expired leases.
func WithSweepInterval(interval time.Duration) Option {
	return func(o *options) {
		o.sweepInterval = interval
	}
}

// WithClock sets the time source. Intended for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithQueries persists provide data in Postgres.
// DEFAULT: provide data is kept in memory
func WithQueries(queries *database.Queries) Option {
	return func(o *options) {
		o.queries = queries
	}
}

// WithLeaderID sets the function reporting the current raft leader, which is
// returned to clients that reached a follower.
func WithLeaderID(fn func() uint64) Option {
	return func(o *options) {
		o.leaderID = fn
	}
}

// WithLogger sets the logger for the server.
// If the logger is nil, the server will use a no-op logger.
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
