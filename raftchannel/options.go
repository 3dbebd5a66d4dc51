package raftchannel

import (
	"io"
	"log/slog"
	"time"

	"go.uber.org/zap"
)

// options configures a Node (internal only).
type options struct {
	tickInterval  time.Duration
	electionTick  int
	heartbeatTick int
	commitTimeout time.Duration
	inboxSize     int
	logger        *slog.Logger
	raftLogger    *zap.Logger
}

// defaultOptions returns sensible defaults.
func defaultOptions() options {
	return options{
		tickInterval:  100 * time.Millisecond,
		electionTick:  10,
		heartbeatTick: 1,
		commitTimeout: 5 * time.Second,
		inboxSize:     4096,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		raftLogger:    zap.NewNop(),
	}
}

// Option is a functional option for configuring a Node.
type Option func(*options)

// WithTickInterval sets the duration of one raft logical clock tick.
// Election timeout is electionTick ticks, heartbeats are sent every heartbeatTick ticks.
func WithTickInterval(interval time.Duration) Option {
	return func(o *options) {
		o.tickInterval = interval
	}
}

// WithElectionTick sets the number of ticks without leader contact before a follower campaigns.
func WithElectionTick(ticks int) Option {
	return func(o *options) {
		o.electionTick = ticks
	}
}

// WithCommitTimeout bounds how long Submit waits for an entry to be applied.
func WithCommitTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.commitTimeout = timeout
	}
}

// WithLogger sets the logger for channel events.
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

// WithRaftLogger sets the zap logger handed to the raft engine.
// DEFAULT: zap.NewNop()
func WithRaftLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger == nil {
			o.raftLogger = zap.NewNop()
			return
		}

		o.raftLogger = logger
	}
}
