// Package raftchannel exposes a replicated log through the narrow capability
// the lease managers need: leadership status, blocking command submission and
// an ordered apply callback.
package raftchannel

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNotLeader is returned by Submit on a replica that does not hold leadership.
	// The caller is expected to redirect to the current leader.
	ErrNotLeader = errors.New("raft channel: not leader")

	// ErrCommitTimeout is returned when a submitted entry was not committed in time.
	ErrCommitTimeout = errors.New("raft channel: commit timed out")

	// ErrStopped is returned by Submit after the channel was stopped.
	ErrStopped = errors.New("raft channel: stopped")
)

// Entry is the unit of replication.
type Entry struct {
	ID        string `json:"id"`
	Namespace string `json:"ns"`
	Data      []byte `json:"data"`
}

// Channel is a replicated log.
//
// Submit blocks until the entry is committed and applied on this replica, or
// fails. It is the authoritative leadership check: IsLeader is advisory only.
// The callback registered with OnApply is invoked for every committed entry,
// in commit order, from a single goroutine.
type Channel interface {
	IsLeader() bool
	Submit(ctx context.Context, entry Entry) error
	OnApply(fn func(Entry))
}

// Demux shares one Channel between several namespaces. It registers the
// parent's only apply callback and routes each entry to the handler of its
// namespace. Handlers must be registered before entries start committing.
type Demux struct {
	parent   Channel
	mu       sync.RWMutex
	handlers map[string]func(Entry)
}

// NewDemux takes over the apply callback of parent.
func NewDemux(parent Channel) *Demux {
	var d = &Demux{
		parent:   parent,
		handlers: make(map[string]func(Entry)),
	}
	parent.OnApply(d.apply)
	return d
}

// Channel returns a view of the parent scoped to namespace.
func (d *Demux) Channel(namespace string) Channel {
	return &scopedChannel{demux: d, namespace: namespace}
}

func (d *Demux) apply(entry Entry) {
	d.mu.RLock()
	var handler = d.handlers[entry.Namespace]
	d.mu.RUnlock()

	if handler != nil {
		handler(entry)
	}
}

type scopedChannel struct {
	demux     *Demux
	namespace string
}

func (c *scopedChannel) IsLeader() bool {
	return c.demux.parent.IsLeader()
}

func (c *scopedChannel) Submit(ctx context.Context, entry Entry) error {
	entry.Namespace = c.namespace
	return c.demux.parent.Submit(ctx, entry)
}

func (c *scopedChannel) OnApply(fn func(Entry)) {
	c.demux.mu.Lock()
	defer c.demux.mu.Unlock()
	c.demux.handlers[c.namespace] = fn
}
