package raftchannel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
)

// Transport delivers raft messages to peers. Send must not block the caller
// for long; lost messages are tolerated by raft.
type Transport interface {
	Send(messages []raftpb.Message)
}

// Node is a Channel backed by an etcd raft node with in-memory storage.
//
// One goroutine owns the raft node: it ticks the logical clock, persists and
// sends each Ready, and applies committed entries in order. Proposals are only
// accepted by the leader; followers reject them instead of forwarding.
type Node struct {
	id        uint64
	peers     []uint64
	storage   *raft.MemoryStorage
	transport Transport
	options   options

	raft  raft.Node
	inbox chan raftpb.Message

	leader   atomic.Uint64
	isLeader atomic.Bool
	applied  atomic.Uint64

	mu      sync.Mutex
	apply   func(Entry)
	waiters map[string]chan struct{}

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// NewNode creates a raft node with the given id. peers lists every member of
// the initial cluster, including id.
func NewNode(id uint64, peers []uint64, transport Transport, opts ...Option) *Node {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &Node{
		id:        id,
		peers:     peers,
		storage:   raft.NewMemoryStorage(),
		transport: transport,
		options:   options,
		inbox:     make(chan raftpb.Message, options.inboxSize),
		waiters:   make(map[string]chan struct{}),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// ID returns the raft id of this node.
func (n *Node) ID() uint64 {
	return n.id
}

// Start boots the raft node and its run loop. The apply callback should be
// registered before Start so no committed entry is missed.
func (n *Node) Start() {
	n.startOnce.Do(func() {
		var config = &raft.Config{
			ID:                        n.id,
			ElectionTick:              n.options.electionTick,
			HeartbeatTick:             n.options.heartbeatTick,
			Storage:                   n.storage,
			MaxSizePerMsg:             1024 * 1024,
			MaxInflightMsgs:           256,
			CheckQuorum:               true,
			PreVote:                   true,
			DisableProposalForwarding: true,
			Logger:                    newZapRaftLogger(n.options.raftLogger, n.id),
		}

		var peers = make([]raft.Peer, 0, len(n.peers))
		for _, id := range n.peers {
			peers = append(peers, raft.Peer{ID: id})
		}

		n.raft = raft.StartNode(config, peers)
		n.started.Store(true)
		go n.run()

		n.options.logger.Info("raft node started",
			"raft_id", n.id,
			"peers", n.peers)
	})
}

// Stop halts the run loop. Pending submissions fail with ErrStopped.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.done)
	})

	if n.started.Load() {
		<-n.stopped
	}
}

// IsLeader reports whether this node believed itself leader at its last Ready.
func (n *Node) IsLeader() bool {
	return n.isLeader.Load()
}

// Leader returns the raft id of the known leader, or 0 if none.
func (n *Node) Leader() uint64 {
	return n.leader.Load()
}

// AppliedIndex returns the index of the last applied log entry.
func (n *Node) AppliedIndex() uint64 {
	return n.applied.Load()
}

// OnApply registers the callback invoked for every committed entry.
func (n *Node) OnApply(fn func(Entry)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.apply = fn
}

// Receive queues a message from a peer. Messages are dropped when the inbox is full.
func (n *Node) Receive(msg raftpb.Message) {
	select {
	case n.inbox <- msg:
	default:
		n.options.logger.Warn("raft inbox full, dropping message",
			"raft_id", n.id,
			"from", msg.From,
			"type", msg.Type.String())
	}
}

// Submit proposes entry and blocks until it is applied on this node.
func (n *Node) Submit(ctx context.Context, entry Entry) error {
	if !n.started.Load() {
		return ErrStopped
	}
	if !n.IsLeader() {
		return ErrNotLeader
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	var data, err = json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}

	var applied = n.wait(entry.ID)
	defer n.forget(entry.ID)

	var proposeCtx, cancel = context.WithTimeout(ctx, n.options.commitTimeout)
	defer cancel()

	if err := n.raft.Propose(proposeCtx, data); err != nil {
		return n.proposeError(ctx, err)
	}

	select {
	case <-applied:
		return nil
	case <-n.done:
		return ErrStopped
	case <-proposeCtx.Done():
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrCommitTimeout
	}
}

func (n *Node) proposeError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, raft.ErrProposalDropped):
		return ErrNotLeader
	case errors.Is(err, raft.ErrStopped):
		return ErrStopped
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCommitTimeout
	default:
		return fmt.Errorf("failed to propose entry: %w", err)
	}
}

func (n *Node) wait(id string) <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()

	var ch = make(chan struct{})
	n.waiters[id] = ch
	return ch
}

func (n *Node) forget(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.waiters, id)
}

func (n *Node) run() {
	defer close(n.stopped)

	var ticker = time.NewTicker(n.options.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.raft.Tick()
		case msg := <-n.inbox:
			if err := n.raft.Step(context.Background(), msg); err != nil {
				n.options.logger.Debug("failed to step raft message",
					"raft_id", n.id,
					"error", err)
			}
		case rd := <-n.raft.Ready():
			n.handleReady(rd)
			n.raft.Advance()
		case <-n.done:
			n.raft.Stop()
			n.options.logger.Info("raft node stopped", "raft_id", n.id)
			return
		}
	}
}

func (n *Node) handleReady(rd raft.Ready) {
	if rd.SoftState != nil {
		var wasLeader = n.isLeader.Load()
		n.leader.Store(rd.SoftState.Lead)
		n.isLeader.Store(rd.SoftState.RaftState == raft.StateLeader)
		if wasLeader != n.isLeader.Load() {
			n.options.logger.Info("raft leadership changed",
				"raft_id", n.id,
				"leader", rd.SoftState.Lead,
				"is_leader", !wasLeader)
		}
	}

	if !raft.IsEmptySnap(rd.Snapshot) {
		if err := n.storage.ApplySnapshot(rd.Snapshot); err != nil {
			n.options.logger.Error("failed to apply raft snapshot", "raft_id", n.id, "error", err)
		}
	}
	if !raft.IsEmptyHardState(rd.HardState) {
		if err := n.storage.SetHardState(rd.HardState); err != nil {
			n.options.logger.Error("failed to persist raft hard state", "raft_id", n.id, "error", err)
		}
	}
	if err := n.storage.Append(rd.Entries); err != nil {
		n.options.logger.Error("failed to append raft entries", "raft_id", n.id, "error", err)
	}

	if len(rd.Messages) > 0 {
		n.transport.Send(rd.Messages)
	}

	for _, entry := range rd.CommittedEntries {
		n.applyEntry(entry)
		n.applied.Store(entry.Index)
	}
}

func (n *Node) applyEntry(entry raftpb.Entry) {
	switch entry.Type {
	case raftpb.EntryConfChange:
		var cc raftpb.ConfChange
		if err := cc.Unmarshal(entry.Data); err != nil {
			n.options.logger.Error("failed to decode conf change", "raft_id", n.id, "error", err)
			return
		}
		n.raft.ApplyConfChange(cc)

	case raftpb.EntryNormal:
		// A new leader appends an empty entry at the start of its term.
		if len(entry.Data) == 0 {
			return
		}

		var e Entry
		if err := json.Unmarshal(entry.Data, &e); err != nil {
			n.options.logger.Error("failed to decode entry",
				"raft_id", n.id,
				"index", entry.Index,
				"error", err)
			return
		}

		n.mu.Lock()
		var fn = n.apply
		var waiter = n.waiters[e.ID]
		delete(n.waiters, e.ID)
		n.mu.Unlock()

		if fn != nil {
			fn(e)
		}
		if waiter != nil {
			close(waiter)
		}
	}
}
