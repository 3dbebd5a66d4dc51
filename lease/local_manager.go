package lease

import (
	"sync"
	"time"
)

// LocalManager keeps the leases of one service id in memory.
// It knows nothing about replication; RaftManager drives it from committed commands.
type LocalManager[E Entity] struct {
	mu    sync.RWMutex
	store map[string]*Lease[E]
	now   func() time.Time
}

// NewLocalManager creates an empty LocalManager.
func NewLocalManager[E Entity](opts ...Option) *LocalManager[E] {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &LocalManager[E]{
		store: make(map[string]*Lease[E]),
		now:   options.clock,
	}
}

// Register inserts or replaces the lease for e, starting a fresh lease.
func (m *LocalManager[E]) Register(e E, durationSecs int) {
	m.RegisterAt(e, durationSecs, m.now().UnixMilli())
}

// RegisterAt is Register with an explicit timestamp.
func (m *LocalManager[E]) RegisterAt(e E, durationSecs int, timestamp int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.store[e.Key()] = &Lease[E]{
		Entity:              e,
		DurationSecs:        durationSecs,
		BeginTimestamp:      timestamp,
		LastUpdateTimestamp: timestamp,
	}
}

// Renew extends the lease for e. An unknown entity is registered, which tolerates
// heartbeats that arrive before the explicit registration.
func (m *LocalManager[E]) Renew(e E, durationSecs int) {
	m.RenewAt(e, durationSecs, m.now().UnixMilli())
}

// RenewAt is Renew with an explicit timestamp.
func (m *LocalManager[E]) RenewAt(e E, durationSecs int, timestamp int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var existing, ok = m.store[e.Key()]
	if !ok {
		m.store[e.Key()] = &Lease[E]{
			Entity:              e,
			DurationSecs:        durationSecs,
			BeginTimestamp:      timestamp,
			LastUpdateTimestamp: timestamp,
		}
		return
	}

	existing.Entity = e
	existing.DurationSecs = durationSecs
	existing.LastUpdateTimestamp = timestamp
}

// Cancel removes the lease for e. Cancelling an unknown entity is a no-op.
func (m *LocalManager[E]) Cancel(e E) {
	m.remove(e.Key())
}

// Evict removes the lease for e after its expiry was detected.
func (m *LocalManager[E]) Evict(e E) {
	m.remove(e.Key())
}

func (m *LocalManager[E]) remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.store, key)
}

// Get returns a copy of the lease stored under key.
func (m *LocalManager[E]) Get(key string) (Lease[E], bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var l, ok = m.store[key]
	if !ok {
		return Lease[E]{}, false
	}
	return *l, true
}

// LeaseStore returns a snapshot of the store keyed by entity key.
func (m *LocalManager[E]) LeaseStore() map[string]Lease[E] {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var snapshot = make(map[string]Lease[E], len(m.store))
	for key, l := range m.store {
		snapshot[key] = *l
	}
	return snapshot
}

// Expired returns the leases that have lapsed at nowMillis.
func (m *LocalManager[E]) Expired(nowMillis int64) []Lease[E] {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var expired []Lease[E]
	for _, l := range m.store {
		if l.IsExpiredAt(nowMillis) {
			expired = append(expired, *l)
		}
	}
	return expired
}

// Len returns the number of leases held.
func (m *LocalManager[E]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.store)
}
