package lease

import (
	"fmt"
	"time"
)

// Service ids of the member classes governed by the meta tier.
const (
	DataServerID    = "DATA-SERVER"
	SessionServerID = "SESSION-SERVER"
)

// Entity is a cluster member that can hold a lease.
// Key identifies the member in a lease store.
type Entity interface {
	Key() string
}

// Lease is one member's liveness contract.
type Lease[E Entity] struct {
	Entity              E     `json:"entity"`
	DurationSecs        int   `json:"durationSecs"`
	BeginTimestamp      int64 `json:"beginTimestamp"`
	LastUpdateTimestamp int64 `json:"lastUpdateTimestamp"`
}

// EvictAfter returns the instant (unix millis) after which the lease is expired.
func (l Lease[E]) EvictAfter() int64 {
	return l.LastUpdateTimestamp + int64(l.DurationSecs)*1000
}

// IsExpired reports whether the lease has lapsed according to the wall clock.
func (l Lease[E]) IsExpired() bool {
	return l.IsExpiredAt(time.Now().UnixMilli())
}

// IsExpiredAt reports whether the lease has lapsed at nowMillis.
func (l Lease[E]) IsExpiredAt(nowMillis int64) bool {
	return nowMillis > l.EvictAfter()
}

// Node is a data or session server registered with the meta tier.
type Node struct {
	IP         string `json:"ip"`
	Port       int    `json:"port"`
	DataCenter string `json:"dataCenter"`
}

// Key returns the node's IP, which is the lease store key.
func (n Node) Key() string {
	return n.IP
}

// Address returns ip:port.
func (n Node) Address() string {
	return fmt.Sprintf("%s:%d", n.IP, n.Port)
}

func (n Node) String() string {
	return fmt.Sprintf("%s@%s", n.Address(), n.DataCenter)
}
