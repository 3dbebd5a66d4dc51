package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-slotreg/lease"
)

func TestNewMetaClient(t *testing.T) {
	var node = lease.Node{IP: "10.0.0.1", Port: 9620, DataCenter: "dc1"}

	setFlags := func(t *testing.T, leaseSecs, sessionLease int) {
		var prevLease, prevSession, prevAddrs = nodeLease, config.SessionLeaseSecs, metaAddrs
		t.Cleanup(func() {
			nodeLease, config.SessionLeaseSecs, metaAddrs = prevLease, prevSession, prevAddrs
		})
		nodeLease, config.SessionLeaseSecs, metaAddrs = leaseSecs, sessionLease, []string{"127.0.0.1:9700"}
	}

	t.Run("should hold the node lease independently of the session lease", func(t *testing.T) {
		// Arrange
		setFlags(t, 45, 0)

		// Act
		client, err := newMetaClient(node, nil)

		// Assert
		require.NoError(t, err)
		assert.NotNil(t, client)
	})

	t.Run("should reject a non-positive node lease", func(t *testing.T) {
		// Arrange
		setFlags(t, 0, 30)

		// Act
		_, err := newMetaClient(node, nil)

		// Assert
		assert.ErrorContains(t, err, "node-lease")
	})
}
