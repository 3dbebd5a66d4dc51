package meta

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-slotreg/cluster"
	"go-slotreg/lease"
	"go-slotreg/raftchannel"
	"go-slotreg/slot"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

type replica struct {
	node   *raftchannel.Node
	server *Server
}

type testTier struct {
	network  *raftchannel.LocalNetwork
	replicas []*replica
	clock    *fakeClock
}

func newTestTier(t *testing.T, size int, opts ...Option) *testTier {
	var (
		tier  = &testTier{network: raftchannel.NewLocalNetwork(), clock: &fakeClock{now: time.UnixMilli(1_700_000_000_000)}}
		peers []uint64
	)
	for i := 1; i <= size; i++ {
		peers = append(peers, uint64(i))
	}

	for _, id := range peers {
		var node = raftchannel.NewNode(id, peers, tier.network,
			raftchannel.WithTickInterval(10*time.Millisecond),
			raftchannel.WithCommitTimeout(2*time.Second))
		var server = NewServer(node, append([]Option{
			WithClock(tier.clock.Now),
			WithSlots(16, 2),
			WithLeaderID(node.Leader),
		}, opts...)...)
		tier.network.Attach(node)
		tier.replicas = append(tier.replicas, &replica{node: node, server: server})
	}

	for _, r := range tier.replicas {
		r.node.Start()
	}
	t.Cleanup(func() {
		for _, r := range tier.replicas {
			r.server.Stop()
			r.node.Stop()
		}
	})

	return tier
}

func (tier *testTier) leader(t *testing.T) *Server {
	var leader *Server
	require.Eventually(t, func() bool {
		leader = nil
		for _, r := range tier.replicas {
			if r.node.IsLeader() {
				leader = r.server
			}
		}
		return leader != nil
	}, 5*time.Second, 10*time.Millisecond)
	return leader
}

func (tier *testTier) follower(leader *Server) *Server {
	for _, r := range tier.replicas {
		if r.server != leader {
			return r.server
		}
	}
	return nil
}

var (
	dataNode1   = lease.Node{IP: "10.0.0.1", Port: 9620, DataCenter: "dc1"}
	dataNode2   = lease.Node{IP: "10.0.0.2", Port: 9620, DataCenter: "dc1"}
	sessionNode = lease.Node{IP: "10.0.1.1", Port: 9600, DataCenter: "dc1"}
)

func TestServer(t *testing.T) {
	var ctx = context.Background()

	t.Run("should replicate leases per service", func(t *testing.T) {
		// Arrange
		var (
			tier   = newTestTier(t, 3)
			leader = tier.leader(t)
		)

		// Act
		require.NoError(t, leader.Register(ctx, lease.DataServerID, dataNode1, 30))
		require.NoError(t, leader.Renew(ctx, lease.SessionServerID, sessionNode, 0))

		// Assert
		for _, r := range tier.replicas {
			var server = r.server
			assert.Eventually(t, func() bool {
				var data, _ = server.Leases(lease.DataServerID)
				var sessions, _ = server.Leases(lease.SessionServerID)
				return len(data) == 1 && len(sessions) == 1
			}, 2*time.Second, 10*time.Millisecond)
		}
		var sessions, err = leader.Leases(lease.SessionServerID)
		require.NoError(t, err)
		assert.Equal(t, 30, sessions[0].DurationSecs, "default lease duration applies")
	})

	t.Run("should reject unknown services", func(t *testing.T) {
		// Arrange
		var (
			tier   = newTestTier(t, 1)
			leader = tier.leader(t)
		)

		// Act
		err := leader.Renew(ctx, "CLIENT-SERVER", dataNode1, 30)
		_, leasesErr := leader.Leases("CLIENT-SERVER")

		// Assert
		assert.ErrorIs(t, err, ErrUnknownService)
		assert.ErrorIs(t, leasesErr, ErrUnknownService)
	})

	t.Run("should reject writes on followers", func(t *testing.T) {
		// Arrange
		var (
			tier     = newTestTier(t, 3)
			follower = tier.follower(tier.leader(t))
		)

		// Act
		err := follower.Renew(ctx, lease.DataServerID, dataNode1, 30)
		published, assignErr := follower.Assign(ctx)

		// Assert
		assert.ErrorIs(t, err, raftchannel.ErrNotLeader)
		require.NoError(t, assignErr)
		assert.False(t, published)
		var leases, _ = follower.Leases(lease.DataServerID)
		assert.Empty(t, leases)
	})

	t.Run("should publish a slot table once a data node is live", func(t *testing.T) {
		// Arrange
		var (
			tier   = newTestTier(t, 3)
			leader = tier.leader(t)
		)
		published, err := leader.Assign(ctx)
		require.NoError(t, err)
		require.False(t, published, "no table without data nodes")
		require.NoError(t, leader.Renew(ctx, lease.DataServerID, dataNode1, 30))

		// Act
		published, err = leader.Assign(ctx)

		// Assert
		require.NoError(t, err)
		assert.True(t, published)
		for _, r := range tier.replicas {
			var server = r.server
			assert.Eventually(t, func() bool {
				return server.Slots().Epoch() == 0
			}, 2*time.Second, 10*time.Millisecond)
		}
		var leaderSlots, _ = leader.Slots().SlotsOf(dataNode1.Address())
		assert.Len(t, leaderSlots, 16)
	})

	t.Run("should bump the epoch only when the assignment changes", func(t *testing.T) {
		// Arrange
		var (
			tier   = newTestTier(t, 1)
			leader = tier.leader(t)
		)
		require.NoError(t, leader.Renew(ctx, lease.DataServerID, dataNode1, 30))
		_, err := leader.Assign(ctx)
		require.NoError(t, err)

		// Act
		unchanged, err1 := leader.Assign(ctx)
		require.NoError(t, leader.Renew(ctx, lease.DataServerID, dataNode2, 30))
		changed, err2 := leader.Assign(ctx)

		// Assert
		require.NoError(t, err1)
		require.NoError(t, err2)
		assert.False(t, unchanged)
		assert.True(t, changed)
		assert.Equal(t, int64(1), leader.Slots().Epoch())
		for _, s := range leader.Slots().Table().Slots {
			assert.Len(t, s.Followers, 1)
		}
	})

	t.Run("should drop expired data nodes from the assignment", func(t *testing.T) {
		// Arrange
		var (
			tier   = newTestTier(t, 1)
			leader = tier.leader(t)
		)
		require.NoError(t, leader.Renew(ctx, lease.DataServerID, dataNode1, 10))
		require.NoError(t, leader.Renew(ctx, lease.DataServerID, dataNode2, 60))

		// Act
		tier.clock.Advance(30 * time.Second)
		live := leader.LiveDataNodes()

		// Assert
		assert.Equal(t, []string{dataNode2.Address()}, live)
	})

	t.Run("should ignore replayed slot tables", func(t *testing.T) {
		// Arrange
		var (
			tier   = newTestTier(t, 1)
			leader = tier.leader(t)
		)
		require.NoError(t, leader.PublishSlotTable(ctx, slot.Assign(4, 1, []string{"a:1"}, 5)))

		// Act
		err := leader.PublishSlotTable(ctx, slot.Assign(4, 1, []string{"b:1"}, 3))

		// Assert
		require.NoError(t, err)
		assert.Equal(t, int64(5), leader.Slots().Epoch())
		assert.Equal(t, "a:1", leader.Slots().Table().Slots[0].Leader)
	})

	t.Run("should run workers until stopped", func(t *testing.T) {
		// Arrange
		var (
			tier   = newTestTier(t, 1, WithAssignInterval(10*time.Millisecond), WithSweepInterval(10*time.Millisecond))
			leader = tier.leader(t)
		)
		require.NoError(t, leader.Renew(ctx, lease.DataServerID, dataNode1, 10))

		// Act
		leader.Start()
		leader.Start()

		// Assert
		assert.Eventually(t, func() bool {
			return leader.Slots().Epoch() == 0
		}, 2*time.Second, 10*time.Millisecond)

		tier.clock.Advance(time.Minute)
		assert.Eventually(t, func() bool {
			var leases, _ = leader.Leases(lease.DataServerID)
			return len(leases) == 0
		}, 2*time.Second, 10*time.Millisecond)
		leader.Stop()
	})

	t.Run("should describe itself", func(t *testing.T) {
		// Arrange
		var (
			tier   = newTestTier(t, 1)
			leader = tier.leader(t)
		)
		require.NoError(t, leader.Renew(ctx, lease.DataServerID, dataNode1, 30))

		// Act
		status := leader.Status()
		out := leader.String()

		// Assert
		assert.True(t, status.Leader)
		assert.Equal(t, uint64(1), status.LeaderID)
		assert.Equal(t, 1, status.DataServers)
		assert.Equal(t, slot.InitEpoch, status.SlotTableEpoch)
		assert.Contains(t, out, "Meta replica (leader")
		assert.Contains(t, out, dataNode1.String())
	})
}

func TestHandler(t *testing.T) {
	var ctx = context.Background()

	do := func(t *testing.T, method, url string, body any) *http.Response {
		var reader *bytes.Reader
		if body != nil {
			data, err := json.Marshal(body)
			require.NoError(t, err)
			reader = bytes.NewReader(data)
		} else {
			reader = bytes.NewReader(nil)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	t.Run("should serve lease writes and reads", func(t *testing.T) {
		// Arrange
		var (
			tier   = newTestTier(t, 1)
			leader = tier.leader(t)
			server = httptest.NewServer(leader.Handler())
		)
		defer server.Close()

		// Act
		renew := do(t, http.MethodPost, server.URL+cluster.PathRenew, cluster.RenewRequest{Service: lease.DataServerID, Node: dataNode1, DurationSecs: 20})
		register := do(t, http.MethodPost, server.URL+cluster.PathRegister, cluster.RenewRequest{Service: lease.DataServerID, Node: dataNode2})
		cancel := do(t, http.MethodPost, server.URL+cluster.PathCancel, cluster.CancelRequest{Service: lease.DataServerID, Node: dataNode2})
		var leases cluster.LeasesResponse
		require.NoError(t, cluster.GetJSON(ctx, server.URL+cluster.PathLeases+"?service="+lease.DataServerID, &leases))

		// Assert
		assert.Equal(t, http.StatusNoContent, renew.StatusCode)
		assert.Equal(t, http.StatusNoContent, register.StatusCode)
		assert.Equal(t, http.StatusNoContent, cancel.StatusCode)
		require.Len(t, leases.Leases, 1)
		assert.Equal(t, dataNode1, leases.Leases[0].Entity)
		assert.Equal(t, 20, leases.Leases[0].DurationSecs)
	})

	t.Run("should reject malformed requests", func(t *testing.T) {
		// Arrange
		var (
			tier   = newTestTier(t, 1)
			server = httptest.NewServer(tier.leader(t).Handler())
		)
		defer server.Close()

		// Act
		badBody, err := http.Post(server.URL+cluster.PathRenew, "application/json", bytes.NewReader([]byte("{")))
		require.NoError(t, err)
		defer badBody.Body.Close()
		unknown := do(t, http.MethodPost, server.URL+cluster.PathRenew, cluster.RenewRequest{Service: "NOPE", Node: dataNode1})
		missingKey := do(t, http.MethodGet, server.URL+cluster.PathProvideData, nil)
		wrongMethod := do(t, http.MethodGet, server.URL+cluster.PathRenew, nil)

		// Assert
		assert.Equal(t, http.StatusBadRequest, badBody.StatusCode)
		assert.Equal(t, http.StatusBadRequest, unknown.StatusCode)
		assert.Equal(t, http.StatusBadRequest, missingKey.StatusCode)
		assert.Equal(t, http.StatusMethodNotAllowed, wrongMethod.StatusCode)
	})

	t.Run("should redirect writes from followers to the leader", func(t *testing.T) {
		// Arrange
		var (
			tier     = newTestTier(t, 3)
			leader   = tier.leader(t)
			follower = tier.follower(leader)
			server   = httptest.NewServer(follower.Handler())
		)
		defer server.Close()
		require.Eventually(t, func() bool {
			return follower.Status().LeaderID != 0
		}, 2*time.Second, 10*time.Millisecond)

		// Act
		err := cluster.PostJSON(ctx, server.URL+cluster.PathRenew, cluster.RenewRequest{Service: lease.DataServerID, Node: dataNode1}, nil)
		putErr := cluster.PutJSON(ctx, server.URL+cluster.PathProvideData, cluster.ProvideData{Key: "k", Value: "v"}, nil)

		// Assert
		assert.ErrorIs(t, err, cluster.ErrMisdirected)
		assert.ErrorIs(t, putErr, cluster.ErrMisdirected)
		var statusErr *cluster.StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, leader.Status().LeaderID, statusErr.Body.Leader)
	})

	t.Run("should serve provide data and the slot table", func(t *testing.T) {
		// Arrange
		var (
			tier   = newTestTier(t, 1)
			leader = tier.leader(t)
			server = httptest.NewServer(leader.Handler())
		)
		defer server.Close()
		require.NoError(t, leader.Renew(ctx, lease.DataServerID, dataNode1, 30))
		_, err := leader.Assign(ctx)
		require.NoError(t, err)

		// Act
		var first, second, fetched, missing cluster.ProvideData
		require.NoError(t, cluster.PutJSON(ctx, server.URL+cluster.PathProvideData, cluster.ProvideData{Key: cluster.KeySessionLeaseSecs, Value: "40"}, &first))
		require.NoError(t, cluster.PutJSON(ctx, server.URL+cluster.PathProvideData, cluster.ProvideData{Key: cluster.KeySessionLeaseSecs, Value: "45"}, &second))
		require.NoError(t, cluster.GetJSON(ctx, server.URL+cluster.PathProvideData+"?key="+cluster.KeySessionLeaseSecs, &fetched))
		require.NoError(t, cluster.GetJSON(ctx, server.URL+cluster.PathProvideData+"?key=unknown", &missing))
		deleted := do(t, http.MethodDelete, server.URL+cluster.PathProvideData+"?key="+cluster.KeySessionLeaseSecs, nil)
		var table cluster.SlotTableResponse
		require.NoError(t, cluster.GetJSON(ctx, server.URL+cluster.PathSlotTable, &table))

		// Assert
		assert.Equal(t, int64(1), first.Version)
		assert.Equal(t, int64(2), second.Version)
		var n, ok = fetched.Int()
		assert.True(t, ok)
		assert.Equal(t, 45, n)
		_, ok = missing.Int()
		assert.False(t, ok)
		assert.Equal(t, http.StatusNoContent, deleted.StatusCode)
		require.NotNil(t, table.Table)
		assert.Equal(t, int64(0), table.Table.Epoch)
		assert.Len(t, table.Table.Slots, 16)
	})
}

func TestMemoryProvideStore(t *testing.T) {
	t.Run("should list values ordered by key", func(t *testing.T) {
		// Arrange
		var (
			sut = newMemoryProvideStore()
			ctx = context.Background()
		)
		for _, key := range []string{"b", "c", "a"} {
			_, err := sut.Set(ctx, key, key)
			require.NoError(t, err)
		}
		require.NoError(t, sut.Delete(ctx, "c"))

		// Act
		list, err := sut.List(ctx)

		// Assert
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "a", list[0].Key)
		assert.Equal(t, "b", list[1].Key)
	})
}

func TestReplicatedProvideStore(t *testing.T) {
	var ctx = context.Background()

	t.Run("should make a write on the leader readable on every replica", func(t *testing.T) {
		// Arrange
		var (
			tier     = newTestTier(t, 3)
			leader   = tier.leader(t)
			follower = tier.follower(leader)
		)

		// Act
		written, err := leader.Provide().Set(ctx, cluster.KeySessionLeaseSecs, "45")

		// Assert
		require.NoError(t, err)
		assert.Equal(t, int64(1), written.Version)
		for _, r := range tier.replicas {
			assert.Eventually(t, func() bool {
				data, err := r.server.Provide().Get(ctx, cluster.KeySessionLeaseSecs)
				return err == nil && data.Value == "45" && data.Version == 1
			}, 2*time.Second, 10*time.Millisecond)
		}
		_, followerErr := follower.Provide().Set(ctx, cluster.KeySessionLeaseSecs, "60")
		assert.ErrorIs(t, followerErr, raftchannel.ErrNotLeader)
	})

	t.Run("should replicate deletes", func(t *testing.T) {
		// Arrange
		var (
			tier     = newTestTier(t, 3)
			leader   = tier.leader(t)
			follower = tier.follower(leader)
		)
		_, err := leader.Provide().Set(ctx, "k", "v")
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			data, _ := follower.Provide().Get(ctx, "k")
			return data != nil && data.Version == 1
		}, 2*time.Second, 10*time.Millisecond)

		// Act
		err = leader.Provide().Delete(ctx, "k")

		// Assert
		require.NoError(t, err)
		assert.Eventually(t, func() bool {
			list, _ := follower.Provide().List(ctx)
			return len(list) == 0
		}, 2*time.Second, 10*time.Millisecond)
	})
}
