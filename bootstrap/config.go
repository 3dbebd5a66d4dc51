package bootstrap

import (
	"fmt"
	"net"
	"strconv"

	"go-slotreg/retry"
)

// Config holds the data node settings the start sequence reads.
// SessionLeaseSecs and SyncSessionIntervalSecs may be overridden by the meta
// tier during self registration.
type Config struct {
	BindHost    string
	SessionPort int
	NotifyPort  int
	SyncPort    int
	HTTPPort    int

	// Admission water marks applied to every listener.
	LowWaterMark  int
	HighWaterMark int

	// SessionLeaseSecs is the lease granted to sessions connected to this node
	// and SyncSessionIntervalSecs the period of data sync between data nodes.
	// Neither governs this node's own lease with the meta tier. Meta tier
	// overrides land here and are exposed through Orchestrator.Config.
	SessionLeaseSecs        int
	SyncSessionIntervalSecs int

	SlotTablePolicy retry.Policy
}

func DefaultConfig() Config {
	return Config{
		SessionPort:             9620,
		SyncPort:                9621,
		HTTPPort:                9622,
		NotifyPort:              9623,
		LowWaterMark:            1024,
		HighWaterMark:           2048,
		SessionLeaseSecs:        30,
		SyncSessionIntervalSecs: 6,
		SlotTablePolicy:         retry.DefaultPolicy(),
	}
}

func (c Config) address(port int) string {
	return net.JoinHostPort(c.BindHost, strconv.Itoa(port))
}

func (c Config) String() string {
	return fmt.Sprintf("host=%q session=%d notify=%d sync=%d http=%d waterMarks=%d/%d sessionLeaseSecs=%d syncSessionIntervalSecs=%d",
		c.BindHost, c.SessionPort, c.NotifyPort, c.SyncPort, c.HTTPPort,
		c.LowWaterMark, c.HighWaterMark, c.SessionLeaseSecs, c.SyncSessionIntervalSecs)
}
