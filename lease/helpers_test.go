package lease

import (
	"context"
	"sync"
	"time"

	"go-slotreg/raftchannel"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeLog is an in-memory replicated log shared by several fake replicas.
// Committed entries are applied synchronously on every replica in order.
type fakeLog struct {
	mu       sync.Mutex
	entries  []raftchannel.Entry
	replicas []*fakeChannel
}

func (l *fakeLog) newReplica(leader bool) *fakeChannel {
	l.mu.Lock()
	defer l.mu.Unlock()

	var ch = &fakeChannel{log: l, leader: leader}
	l.replicas = append(l.replicas, ch)
	return ch
}

func (l *fakeLog) setLeader(leader *fakeChannel) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, r := range l.replicas {
		r.setLeader(r == leader)
	}
}

func (l *fakeLog) commit(entry raftchannel.Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, entry)
	for _, r := range l.replicas {
		if r.apply != nil {
			r.apply(entry)
		}
	}
}

type fakeChannel struct {
	log     *fakeLog
	mu      sync.Mutex
	leader  bool
	apply   func(raftchannel.Entry)
	submits int
}

func (c *fakeChannel) setLeader(leader bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leader = leader
}

func (c *fakeChannel) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leader
}

func (c *fakeChannel) Submit(ctx context.Context, entry raftchannel.Entry) error {
	c.mu.Lock()
	c.submits++
	var leader = c.leader
	c.mu.Unlock()

	if !leader {
		return raftchannel.ErrNotLeader
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.log.commit(entry)
	return nil
}

func (c *fakeChannel) OnApply(fn func(raftchannel.Entry)) {
	c.apply = fn
}
