// Package meta implements the meta tier: the raft-replicated registry of data
// and session server leases, and the slot table assigning slots to live data
// servers.
package meta

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"go-slotreg/lease"
	"go-slotreg/raftchannel"
	"go-slotreg/slot"
)

// SlotTableNamespace is the log namespace carrying slot table publications.
const SlotTableNamespace = "SLOT-TABLE"

// ErrUnknownService is returned for service ids other than the data and
// session server ids.
var ErrUnknownService = errors.New("unknown service")

// Server is one meta tier replica. All replicas share one replicated log;
// each service id and the slot table live in their own namespace of it.
type Server struct {
	managers    map[string]*lease.RaftManager[lease.Node]
	slotChannel raftchannel.Channel
	slots       *slot.Manager
	provide     ProvideStore
	options     options

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewServer creates a meta replica on channel. It takes over the channel's
// apply callback.
func NewServer(channel raftchannel.Channel, opts ...Option) *Server {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	var (
		demux       = raftchannel.NewDemux(channel)
		managerOpts = []lease.Option{
			lease.WithClock(options.clock),
			lease.WithSweepInterval(options.sweepInterval),
			lease.WithLogger(options.logger),
		}
		s = &Server{
			managers: map[string]*lease.RaftManager[lease.Node]{
				lease.DataServerID:    lease.NewRaftManager[lease.Node](lease.DataServerID, demux.Channel(lease.DataServerID), managerOpts...),
				lease.SessionServerID: lease.NewRaftManager[lease.Node](lease.SessionServerID, demux.Channel(lease.SessionServerID), managerOpts...),
			},
			slotChannel: demux.Channel(SlotTableNamespace),
			slots:       slot.NewManager(options.logger),
			options:     options,
		}
	)
	s.slotChannel.OnApply(s.applySlotTable)

	if options.queries != nil {
		s.provide = &dbProvideStore{queries: options.queries, clock: options.clock}
	} else {
		s.provide = newReplicatedProvideStore(demux.Channel(ProvideDataNamespace), options.logger)
	}

	return s
}

// Start launches the background workers: an eviction sweep per service and
// the slot assigner. All of them only act while this replica leads.
//
// Workers run on their own context and stop when Stop is called.
func (s *Server) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	var workerCtx context.Context
	workerCtx, s.cancel = context.WithCancel(context.Background())

	for _, m := range s.managers {
		go m.SweepWorker(workerCtx)
	}
	go s.assignWorker(workerCtx)

	s.options.logger.Info("meta server started",
		"slots", s.options.slotNum,
		"replicas", s.options.replicas)
}

// Stop cancels the background workers.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Manager returns the lease manager of service.
func (s *Server) Manager(service string) (*lease.RaftManager[lease.Node], error) {
	var m, ok = s.managers[service]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, service)
	}
	return m, nil
}

// IsLeader reports whether this replica currently leads. Advisory only.
func (s *Server) IsLeader() bool {
	return s.slotChannel.IsLeader()
}

// Slots returns the slot table manager of this replica.
func (s *Server) Slots() *slot.Manager {
	return s.slots
}

// Provide returns the provide data store.
func (s *Server) Provide() ProvideStore {
	return s.provide
}

// Register replicates a fresh lease for node under service.
func (s *Server) Register(ctx context.Context, service string, node lease.Node, durationSecs int) error {
	m, err := s.Manager(service)
	if err != nil {
		return err
	}
	return m.Register(ctx, node, s.duration(durationSecs))
}

// Renew replicates a lease extension for node under service.
func (s *Server) Renew(ctx context.Context, service string, node lease.Node, durationSecs int) error {
	m, err := s.Manager(service)
	if err != nil {
		return err
	}
	return m.Renew(ctx, node, s.duration(durationSecs))
}

// Cancel replicates the removal of node's lease under service.
func (s *Server) Cancel(ctx context.Context, service string, node lease.Node) error {
	m, err := s.Manager(service)
	if err != nil {
		return err
	}
	return m.Cancel(ctx, node)
}

// Leases returns the leases of service sorted by key.
func (s *Server) Leases(service string) ([]lease.Lease[lease.Node], error) {
	m, err := s.Manager(service)
	if err != nil {
		return nil, err
	}

	var (
		store  = m.LeaseStore()
		leases = make([]lease.Lease[lease.Node], 0, len(store))
	)
	for _, l := range store {
		leases = append(leases, l)
	}
	slices.SortFunc(leases, func(a, b lease.Lease[lease.Node]) int {
		return strings.Compare(a.Entity.Key(), b.Entity.Key())
	})
	return leases, nil
}

func (s *Server) duration(durationSecs int) int {
	if durationSecs <= 0 {
		return s.options.leaseDurationSecs
	}
	return durationSecs
}

// LiveDataNodes returns the addresses of data servers holding an unexpired
// lease, sorted.
func (s *Server) LiveDataNodes() []string {
	var (
		now   = s.options.clock().UnixMilli()
		nodes []string
	)
	for _, l := range s.managers[lease.DataServerID].LeaseStore() {
		if !l.IsExpiredAt(now) {
			nodes = append(nodes, l.Entity.Address())
		}
	}
	slices.Sort(nodes)
	return nodes
}

// Assign recomputes the slot table from the live data servers and publishes
// it with the next epoch when the assignment changed. It is a no-op on
// followers and while no data server is live. It reports whether a table was
// published.
func (s *Server) Assign(ctx context.Context) (bool, error) {
	if !s.IsLeader() {
		return false, nil
	}

	var nodes = s.LiveDataNodes()
	if len(nodes) == 0 {
		return false, nil
	}

	var (
		current = s.slots.Table()
		next    = slot.Assign(s.options.slotNum, s.options.replicas, nodes, current.Epoch+1)
	)
	if current.Epoch != slot.InitEpoch && current.SameAssignment(next) {
		return false, nil
	}

	if err := s.PublishSlotTable(ctx, next); err != nil {
		return false, err
	}

	s.options.logger.Info("published slot table",
		"epoch", next.Epoch,
		"data_nodes", len(nodes))
	return true, nil
}

// PublishSlotTable replicates table. Replicas install it once committed,
// unless they already hold a table with an equal or greater epoch.
func (s *Server) PublishSlotTable(ctx context.Context, table *slot.Table) error {
	data, err := json.Marshal(table)
	if err != nil {
		return fmt.Errorf("failed to encode slot table: %w", err)
	}

	if err := s.slotChannel.Submit(ctx, raftchannel.Entry{Data: data}); err != nil {
		return fmt.Errorf("failed to publish slot table epoch %d: %w", table.Epoch, err)
	}
	return nil
}

func (s *Server) applySlotTable(entry raftchannel.Entry) {
	var table slot.Table
	if err := json.Unmarshal(entry.Data, &table); err != nil {
		s.options.logger.Error("failed to decode slot table entry",
			"entry_id", entry.ID,
			"error", err)
		return
	}
	if table.Slots == nil {
		table.Slots = map[int]slot.Slot{}
	}

	s.slots.Update(&table)
}

// assignWorker periodically recomputes the slot table.
func (s *Server) assignWorker(ctx context.Context) {
	var ticker = time.NewTicker(s.options.assignInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Assign(ctx); err != nil {
				s.options.logger.Error("failed to assign slots", "error", err)
			}
		}
	}
}

// Status summarises the replica for operators.
type Status struct {
	Leader         bool   `json:"leader"`
	LeaderID       uint64 `json:"leaderId"`
	DataServers    int    `json:"dataServers"`
	SessionServers int    `json:"sessionServers"`
	SlotTableEpoch int64  `json:"slotTableEpoch"`
}

func (s *Server) Status() Status {
	return Status{
		Leader:         s.IsLeader(),
		LeaderID:       s.options.leaderID(),
		DataServers:    len(s.managers[lease.DataServerID].LeaseStore()),
		SessionServers: len(s.managers[lease.SessionServerID].LeaseStore()),
		SlotTableEpoch: s.slots.Epoch(),
	}
}

// String returns a visual representation of the replica.
func (s *Server) String() string {
	var (
		b      strings.Builder
		status = s.Status()
		role   = "follower"
	)
	if status.Leader {
		role = "leader"
	}

	b.WriteString(fmt.Sprintf("Meta replica (%s, leader id %d)\n", role, status.LeaderID))
	for _, service := range []string{lease.DataServerID, lease.SessionServerID} {
		var leases, _ = s.Leases(service)
		b.WriteString(fmt.Sprintf("\n%s leases: %d\n", service, len(leases)))
		for _, l := range leases {
			var remaining = time.Until(time.UnixMilli(l.EvictAfter())).Truncate(time.Second)
			b.WriteString(fmt.Sprintf("  %-28s  expires in %s\n", l.Entity.String(), remaining))
		}
	}
	b.WriteString("\n")
	b.WriteString(s.slots.Table().String())
	return b.String()
}
