// Package cluster holds the types exchanged between data nodes and the meta
// tier, and the JSON helpers used to exchange them.
package cluster

import (
	"strconv"
	"strings"

	"go-slotreg/lease"
	"go-slotreg/slot"
)

// Meta tier HTTP API paths.
const (
	PathRegister    = "/api/v1/register"
	PathRenew       = "/api/v1/renew"
	PathCancel      = "/api/v1/cancel"
	PathLeases      = "/api/v1/leases"
	PathSlotTable   = "/api/v1/slot-table"
	PathProvideData = "/api/v1/provide-data"
	PathStatus      = "/api/v1/status"
)

// Keys of the provide data the meta tier serves to data nodes.
const (
	KeySessionLeaseSecs        = "DATA_SESSION_LEASE_SEC"
	KeySyncSessionIntervalSecs = "DATA_DATUM_SYNC_SESSION_INTERVAL_SEC"
)

// ProvideData is one tier-wide configuration value.
// A zero Version means the key was never set.
type ProvideData struct {
	Key     string `json:"key"`
	Value   string `json:"value,omitempty"`
	Version int64  `json:"version"`
}

// Int parses the value as an integer. It reports false for missing or
// non-numeric values.
func (p *ProvideData) Int() (int, bool) {
	if p == nil || p.Version == 0 {
		return 0, false
	}

	var n, err = strconv.Atoi(strings.TrimSpace(p.Value))
	if err != nil {
		return 0, false
	}
	return n, true
}

type RenewRequest struct {
	Service      string     `json:"service"`
	Node         lease.Node `json:"node"`
	DurationSecs int        `json:"durationSecs"`
}

type CancelRequest struct {
	Service string     `json:"service"`
	Node    lease.Node `json:"node"`
}

type LeasesResponse struct {
	Service string                   `json:"service"`
	Leases  []lease.Lease[lease.Node] `json:"leases"`
}

type SlotTableResponse struct {
	Table *slot.Table `json:"table"`
}

// ErrorResponse is the body of every non-2xx reply. Leader is set when the
// request reached a meta replica that does not lead.
type ErrorResponse struct {
	Error  string `json:"error"`
	Leader uint64 `json:"leader,omitempty"`
}
