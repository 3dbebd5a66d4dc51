package meta

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"go-slotreg/cluster"
	"go-slotreg/database"
	"go-slotreg/raftchannel"
)

// ProvideDataNamespace is the log namespace carrying provide data writes.
const ProvideDataNamespace = "PROVIDE-DATA"

// ProvideStore keeps the tier-wide configuration served to data nodes.
// Get returns a ProvideData with Version 0 for unknown keys.
type ProvideStore interface {
	Get(ctx context.Context, key string) (*cluster.ProvideData, error)
	Set(ctx context.Context, key, value string) (*cluster.ProvideData, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]*cluster.ProvideData, error)
}

// memoryProvideStore is local to one meta replica.
type memoryProvideStore struct {
	mu   sync.RWMutex
	data map[string]cluster.ProvideData
}

func newMemoryProvideStore() *memoryProvideStore {
	return &memoryProvideStore{data: make(map[string]cluster.ProvideData)}
}

func (s *memoryProvideStore) Get(ctx context.Context, key string) (*cluster.ProvideData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if data, ok := s.data[key]; ok {
		return &data, nil
	}
	return &cluster.ProvideData{Key: key}, nil
}

func (s *memoryProvideStore) Set(ctx context.Context, key, value string) (*cluster.ProvideData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data = s.data[key]
	data.Key = key
	data.Value = value
	data.Version++
	s.data[key] = data
	return &data, nil
}

func (s *memoryProvideStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memoryProvideStore) List(ctx context.Context) ([]*cluster.ProvideData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var list = make([]*cluster.ProvideData, 0, len(s.data))
	for _, data := range s.data {
		var d = data
		list = append(list, &d)
	}
	slices.SortFunc(list, func(a, b *cluster.ProvideData) int {
		return strings.Compare(a.Key, b.Key)
	})
	return list, nil
}

type provideOp string

const (
	provideSet    provideOp = "set"
	provideDelete provideOp = "delete"
)

type provideCommand struct {
	Op    provideOp `json:"op"`
	Key   string    `json:"key"`
	Value string    `json:"value,omitempty"`
}

// replicatedProvideStore replicates writes through the log and applies them
// to a local copy on every replica, so reads on any replica see committed
// writes. Writes fail with raftchannel.ErrNotLeader on followers.
type replicatedProvideStore struct {
	channel raftchannel.Channel
	local   *memoryProvideStore
	logger  *slog.Logger
}

func newReplicatedProvideStore(channel raftchannel.Channel, logger *slog.Logger) *replicatedProvideStore {
	var s = &replicatedProvideStore{
		channel: channel,
		local:   newMemoryProvideStore(),
		logger:  logger,
	}
	channel.OnApply(s.apply)
	return s
}

func (s *replicatedProvideStore) Get(ctx context.Context, key string) (*cluster.ProvideData, error) {
	return s.local.Get(ctx, key)
}

func (s *replicatedProvideStore) List(ctx context.Context) ([]*cluster.ProvideData, error) {
	return s.local.List(ctx)
}

// Set returns the value as applied on this replica once committed.
func (s *replicatedProvideStore) Set(ctx context.Context, key, value string) (*cluster.ProvideData, error) {
	if err := s.submit(ctx, provideCommand{Op: provideSet, Key: key, Value: value}); err != nil {
		return nil, err
	}
	return s.local.Get(ctx, key)
}

func (s *replicatedProvideStore) Delete(ctx context.Context, key string) error {
	return s.submit(ctx, provideCommand{Op: provideDelete, Key: key})
}

func (s *replicatedProvideStore) submit(ctx context.Context, cmd provideCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode provide data command: %w", err)
	}
	if err := s.channel.Submit(ctx, raftchannel.Entry{Data: data}); err != nil {
		return fmt.Errorf("failed to %s provide data %s: %w", cmd.Op, cmd.Key, err)
	}
	return nil
}

func (s *replicatedProvideStore) apply(entry raftchannel.Entry) {
	var cmd provideCommand
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		s.logger.Error("dropping undecodable provide data command",
			"entry_id", entry.ID,
			"error", err)
		return
	}

	var ctx = context.Background()
	switch cmd.Op {
	case provideSet:
		s.local.Set(ctx, cmd.Key, cmd.Value)
	case provideDelete:
		s.local.Delete(ctx, cmd.Key)
	default:
		s.logger.Warn("dropping unknown provide data command", "op", string(cmd.Op))
	}
}

// dbProvideStore is shared by every meta replica pointing at the same database.
type dbProvideStore struct {
	queries *database.Queries
	clock   func() time.Time
}

func (s *dbProvideStore) Get(ctx context.Context, key string) (*cluster.ProvideData, error) {
	record, err := s.queries.GetProvideData(ctx, key)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return &cluster.ProvideData{Key: key}, nil
	}
	return toProvideData(record), nil
}

func (s *dbProvideStore) Set(ctx context.Context, key, value string) (*cluster.ProvideData, error) {
	record, err := s.queries.SetProvideData(ctx, key, value, s.clock())
	if err != nil {
		return nil, err
	}
	return toProvideData(record), nil
}

func (s *dbProvideStore) Delete(ctx context.Context, key string) error {
	return s.queries.DeleteProvideData(ctx, key)
}

func (s *dbProvideStore) List(ctx context.Context) ([]*cluster.ProvideData, error) {
	records, err := s.queries.ListProvideData(ctx)
	if err != nil {
		return nil, err
	}

	var list = make([]*cluster.ProvideData, 0, len(records))
	for _, record := range records {
		list = append(list, toProvideData(record))
	}
	return list, nil
}

func toProvideData(record *database.ProvideDataRecord) *cluster.ProvideData {
	return &cluster.ProvideData{
		Key:     record.Key,
		Value:   record.Value,
		Version: record.Version,
	}
}
