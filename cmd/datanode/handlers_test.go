package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-slotreg/bootstrap"
	"go-slotreg/cluster"
	"go-slotreg/lease"
	"go-slotreg/slot"
)

func TestHandlers(t *testing.T) {
	var (
		ctx  = context.Background()
		node = lease.Node{IP: "10.0.0.1", Port: 9620, DataCenter: "dc1"}
	)

	newSlots := func(nodes ...string) *slot.Manager {
		var m = slot.NewManager(nil)
		if len(nodes) > 0 {
			require.True(t, m.Update(slot.Assign(8, 2, nodes, 3)))
		}
		return m
	}

	t.Run("should answer pings with the epoch in force", func(t *testing.T) {
		// Arrange
		var sut = pingHandler(node, newSlots())

		// Act
		resp, err := sut.Handle(ctx, nil)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, "ping", sut.Interest())
		assert.Equal(t, pingResponse{Node: node, Epoch: slot.InitEpoch}, resp)
	})

	t.Run("should split slots by role", func(t *testing.T) {
		// Arrange
		var sut = slotsHandler(node, newSlots(node.Address(), "10.0.0.2:9620"))

		// Act
		resp, err := sut.Handle(ctx, nil)

		// Assert
		require.NoError(t, err)
		var slots = resp.(slotsResponse)
		assert.Equal(t, int64(3), slots.Epoch)
		assert.Len(t, append(slots.Leader, slots.Follower...), 8, "every slot has both nodes")
	})

	t.Run("should look up one slot", func(t *testing.T) {
		// Arrange
		var sut = slotHandler(newSlots(node.Address()))

		// Act
		resp, err := sut.Handle(ctx, []byte(`{"slot":5}`))
		_, missingErr := sut.Handle(ctx, []byte(`{"slot":99}`))
		_, badErr := sut.Handle(ctx, []byte(`{`))

		// Assert
		require.NoError(t, err)
		assert.Equal(t, slotResponse{Epoch: 3, Slot: slot.Slot{ID: 5, Leader: node.Address()}}, resp)
		assert.ErrorIs(t, missingErr, errSlotNotFound)
		assert.Error(t, badErr)
	})

	t.Run("should serve the slot table", func(t *testing.T) {
		// Arrange
		var sut = slotTableHandler(newSlots(node.Address()))

		// Act
		resp, err := sut.Handle(ctx, nil)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, int64(3), resp.(cluster.SlotTableResponse).Table.Epoch)
	})

	t.Run("should report the config in force", func(t *testing.T) {
		// Arrange
		var config = bootstrap.DefaultConfig()
		config.SessionLeaseSecs = 45
		var sut = configHandler(func() bootstrap.Config { return config })

		// Act
		resp, err := sut.Handle(ctx, nil)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, 45, resp.(configResponse).SessionLeaseSecs)
		assert.Equal(t, 9620, resp.(configResponse).SessionPort)
	})
}
