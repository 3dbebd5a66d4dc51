package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go-slotreg/raftchannel"
)

// RaftManager replicates lease mutations through a raft channel.
//
// Mutating calls are turned into commands and submitted; only the apply
// callback writes to the local store, so every replica converges on the same
// leases in commit order. Reads are served from the local store and may be stale.
type RaftManager[E Entity] struct {
	serviceID string
	channel   raftchannel.Channel
	local     *LocalManager[E]
	options   options
}

// NewRaftManager creates a RaftManager for serviceID and registers its apply
// callback on channel. channel is normally scoped to serviceID through a
// raftchannel.Demux so several managers can share one log.
func NewRaftManager[E Entity](serviceID string, channel raftchannel.Channel, opts ...Option) *RaftManager[E] {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	var m = &RaftManager[E]{
		serviceID: serviceID,
		channel:   channel,
		local:     NewLocalManager[E](WithClock(options.clock)),
		options:   options,
	}
	channel.OnApply(m.apply)
	return m
}

// ServiceID identifies the member class governed by this manager.
func (m *RaftManager[E]) ServiceID() string {
	return m.serviceID
}

// IsLeader reports whether the underlying channel currently leads. Advisory only.
func (m *RaftManager[E]) IsLeader() bool {
	return m.channel.IsLeader()
}

// Register replicates a fresh lease for e.
func (m *RaftManager[E]) Register(ctx context.Context, e E, durationSecs int) error {
	return m.submit(ctx, OpRegister, e, durationSecs)
}

// Renew replicates a lease extension for e.
func (m *RaftManager[E]) Renew(ctx context.Context, e E, durationSecs int) error {
	return m.submit(ctx, OpRenew, e, durationSecs)
}

// Cancel replicates the member-initiated removal of e.
func (m *RaftManager[E]) Cancel(ctx context.Context, e E) error {
	return m.submit(ctx, OpCancel, e, 0)
}

// Evict replicates the manager-initiated removal of e. Replicas drop the
// eviction when e's lease is not expired at the time it was issued.
func (m *RaftManager[E]) Evict(ctx context.Context, e E) error {
	return m.submit(ctx, OpEvict, e, 0)
}

// LeaseStore returns a snapshot of the locally applied leases.
func (m *RaftManager[E]) LeaseStore() map[string]Lease[E] {
	return m.local.LeaseStore()
}

// Get returns the locally applied lease for key.
func (m *RaftManager[E]) Get(key string) (Lease[E], bool) {
	return m.local.Get(key)
}

func (m *RaftManager[E]) submit(ctx context.Context, op Op, e E, durationSecs int) error {
	var cmd, err = newCommand(op, e, durationSecs, m.options.clock().UnixMilli())
	if err != nil {
		return err
	}

	data, err := cmd.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode %s command: %w", op, err)
	}

	if err := m.channel.Submit(ctx, raftchannel.Entry{Data: data}); err != nil {
		return fmt.Errorf("failed to %s %s lease %s: %w", op, m.serviceID, e.Key(), err)
	}

	return nil
}

// apply runs on the channel's apply goroutine for every committed command.
func (m *RaftManager[E]) apply(entry raftchannel.Entry) {
	var cmd, err = UnmarshalCommand(entry.Data)
	if err != nil {
		m.options.logger.Error("dropping undecodable lease command",
			"service_id", m.serviceID,
			"entry_id", entry.ID,
			"error", err)
		return
	}

	e, err := decodeEntity[E](cmd)
	if err != nil {
		m.options.logger.Error("dropping lease command",
			"service_id", m.serviceID,
			"op", cmd.Op,
			"error", err)
		return
	}

	switch cmd.Op {
	case OpRegister:
		m.local.RegisterAt(e, cmd.DurationSecs, cmd.Timestamp)
	case OpRenew:
		m.local.RenewAt(e, cmd.DurationSecs, cmd.Timestamp)
	case OpCancel:
		m.local.Cancel(e)
	case OpEvict:
		// A renewal may have committed between the sweep and this eviction.
		if l, ok := m.local.Get(e.Key()); ok && !l.IsExpiredAt(cmd.Timestamp) {
			m.options.logger.Debug("skipping eviction of a renewed lease",
				"service_id", m.serviceID,
				"key", cmd.Key)
			return
		}
		m.local.Evict(e)
	}

	m.options.logger.Debug("applied lease command",
		"service_id", m.serviceID,
		"op", cmd.Op,
		"key", cmd.Key)
}

// Sweep submits an eviction for every expired lease. It is a no-op unless this
// replica leads.
func (m *RaftManager[E]) Sweep(ctx context.Context) error {
	if !m.channel.IsLeader() {
		return nil
	}

	var errs []error
	for _, l := range m.local.Expired(m.options.clock().UnixMilli()) {
		if err := m.Evict(ctx, l.Entity); err != nil {
			errs = append(errs, err)
			if errors.Is(err, raftchannel.ErrNotLeader) {
				break
			}
			continue
		}

		m.options.logger.Info("evicted expired lease",
			"service_id", m.serviceID,
			"key", l.Entity.Key(),
			"evict_after", time.UnixMilli(l.EvictAfter()))
	}

	return errors.Join(errs...)
}

// SweepWorker periodically runs Sweep until ctx is done.
func (m *RaftManager[E]) SweepWorker(ctx context.Context) {
	var ticker = time.NewTicker(m.options.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				m.options.logger.Error("failed to sweep expired leases",
					"service_id", m.serviceID,
					"error", err)
			}
		}
	}
}
