package slot

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager(t *testing.T) {
	t.Run("should start with the init table", func(t *testing.T) {
		// Arrange
		var sut = NewManager(nil)

		// Act
		epoch := sut.Epoch()

		// Assert
		assert.Equal(t, InitEpoch, epoch)
		assert.Same(t, Init, sut.Table())
	})

	t.Run("should install a table with a greater epoch", func(t *testing.T) {
		// Arrange
		var (
			sut   = NewManager(nil)
			table = Assign(4, 1, []string{"10.0.0.1:9600"}, 0)
		)

		// Act
		updated := sut.Update(table)

		// Assert
		assert.True(t, updated)
		assert.Equal(t, int64(0), sut.Epoch())
		assert.Same(t, table, sut.Table())
	})

	t.Run("should ignore stale and replayed tables", func(t *testing.T) {
		// Arrange
		var (
			sut     = NewManager(nil)
			current = Assign(4, 1, []string{"10.0.0.1:9600"}, 5)
		)
		require.True(t, sut.Update(current))

		// Act
		replayed := sut.Update(current.WithEpoch(5))
		stale := sut.Update(current.WithEpoch(3))
		nilTable := sut.Update(nil)

		// Assert
		assert.False(t, replayed)
		assert.False(t, stale)
		assert.False(t, nilTable)
		assert.Same(t, current, sut.Table())
	})

	t.Run("should never move the epoch backwards under concurrent updates", func(t *testing.T) {
		// Arrange
		var (
			sut  = NewManager(nil)
			base = Assign(2, 1, []string{"a"}, 0)
			wg   sync.WaitGroup
		)

		// Act
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func(epoch int64) {
				defer wg.Done()
				sut.Update(base.WithEpoch(epoch))
			}(int64(i))
		}
		wg.Wait()

		// Assert
		assert.Equal(t, int64(99), sut.Epoch())
	})

	t.Run("should report the slots a node leads and follows", func(t *testing.T) {
		// Arrange
		var sut = NewManager(nil)
		sut.Update(&Table{Epoch: 1, Slots: map[int]Slot{
			0: {ID: 0, Leader: "a", Followers: []string{"b"}},
			1: {ID: 1, Leader: "b", Followers: []string{"a"}},
			2: {ID: 2, Leader: "a", Followers: []string{"b"}},
		}})

		// Act
		leader, follower := sut.SlotsOf("a")

		// Assert
		assert.Equal(t, []int{0, 2}, leader)
		assert.Equal(t, []int{1}, follower)
	})
}

func TestAssign(t *testing.T) {
	var nodes = []string{"10.0.0.1:9600", "10.0.0.2:9600", "10.0.0.3:9600"}

	t.Run("should place every slot with the requested replicas", func(t *testing.T) {
		// Act
		table := Assign(16, 2, nodes, 7)

		// Assert
		assert.Equal(t, int64(7), table.Epoch)
		require.Len(t, table.Slots, 16)
		for id, s := range table.Slots {
			assert.Equal(t, id, s.ID)
			assert.Contains(t, nodes, s.Leader)
			require.Len(t, s.Followers, 1)
			assert.NotEqual(t, s.Leader, s.Followers[0])
		}
	})

	t.Run("should not depend on node order or duplicates", func(t *testing.T) {
		// Act
		a := Assign(32, 3, nodes, 1)
		b := Assign(32, 3, []string{nodes[2], nodes[0], nodes[1], nodes[0]}, 2)

		// Assert
		assert.True(t, a.SameAssignment(b))
	})

	t.Run("should cap replicas at the number of nodes", func(t *testing.T) {
		// Act
		table := Assign(4, 5, nodes[:2], 1)

		// Assert
		for _, s := range table.Slots {
			assert.Len(t, s.Followers, 1)
		}
	})

	t.Run("should return an empty table without nodes", func(t *testing.T) {
		// Act
		table := Assign(8, 2, nil, 3)

		// Assert
		assert.Empty(t, table.Slots)
		assert.Equal(t, int64(3), table.Epoch)
	})

	t.Run("should spread leadership across nodes", func(t *testing.T) {
		// Act
		table := Assign(256, 1, nodes, 1)

		// Assert
		for _, node := range nodes {
			assert.Greater(t, len(table.LeaderSlots(node)), 40,
				fmt.Sprintf("%s should lead a fair share of slots", node))
		}
	})

	t.Run("should only move slots owned by a departed node", func(t *testing.T) {
		// Arrange
		var before = Assign(64, 1, nodes, 1)

		// Act
		after := Assign(64, 1, nodes[:2], 2)

		// Assert
		for id, s := range before.Slots {
			if s.Leader != nodes[2] {
				assert.Equal(t, s.Leader, after.Slots[id].Leader)
			}
		}
		assert.Empty(t, after.LeaderSlots(nodes[2]))
	})
}

func TestTable(t *testing.T) {
	t.Run("should detect a changed assignment", func(t *testing.T) {
		// Arrange
		var a = Assign(8, 2, []string{"a", "b", "c"}, 1)

		// Act
		b := Assign(8, 2, []string{"a", "b"}, 1)

		// Assert
		assert.False(t, a.SameAssignment(b))
		assert.True(t, a.SameAssignment(a.WithEpoch(9)))
	})

	t.Run("should copy followers on re-epoch", func(t *testing.T) {
		// Arrange
		var a = Assign(1, 2, []string{"a", "b"}, 1)

		// Act
		b := a.WithEpoch(2)
		b.Slots[0].Followers[0] = "mutated"

		// Assert
		assert.NotEqual(t, "mutated", a.Slots[0].Followers[0])
	})

	t.Run("should render the table", func(t *testing.T) {
		// Arrange
		var table = Assign(2, 1, []string{"a"}, 4)

		// Act
		out := table.String()

		// Assert
		assert.Contains(t, out, "Slot table epoch: 4 | Slots: 2")
		assert.Contains(t, out, "Leader Summary:")
		assert.Contains(t, Init.String(), "[Empty Table]")
	})
}
