package slot

import (
	"io"
	"log/slog"
	"sync/atomic"
)

// Manager holds the table currently in force on a node. Tables are swapped
// whole; readers observe either the previous or the next table, never a mix.
// Tables returned by Table must not be modified.
type Manager struct {
	table  atomic.Pointer[Table]
	logger *slog.Logger
}

// NewManager creates a Manager holding Init.
// If the logger is nil, a no-op logger is used.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var m = &Manager{logger: logger}
	m.table.Store(Init)
	return m
}

// Epoch returns the epoch of the table in force, InitEpoch if none arrived yet.
func (m *Manager) Epoch() int64 {
	return m.table.Load().Epoch
}

// Table returns the table in force.
func (m *Manager) Table() *Table {
	return m.table.Load()
}

// Update installs t if its epoch is strictly greater than the current one.
// Stale or replayed tables are ignored and Update returns false.
func (m *Manager) Update(t *Table) bool {
	if t == nil {
		return false
	}

	for {
		var current = m.table.Load()
		if t.Epoch <= current.Epoch {
			m.logger.Debug("ignoring stale slot table",
				"epoch", t.Epoch,
				"current_epoch", current.Epoch)
			return false
		}

		if m.table.CompareAndSwap(current, t) {
			m.logger.Info("slot table updated",
				"epoch", t.Epoch,
				"previous_epoch", current.Epoch,
				"slots", len(t.Slots))
			return true
		}
	}
}

// SlotsOf returns the slots addr leads and follows in the table in force.
func (m *Manager) SlotsOf(addr string) (leader []int, follower []int) {
	var t = m.table.Load()
	return t.LeaderSlots(addr), t.FollowerSlots(addr)
}
