// Package slot holds the epoch-versioned assignment of registry partitions
// ("slots") to data servers.
package slot

import (
	"fmt"
	"slices"
	"strings"
)

// InitEpoch marks a table that was never received from the meta tier.
const InitEpoch int64 = -1

// Init is the sentinel table every data node starts with.
var Init = &Table{Epoch: InitEpoch, Slots: map[int]Slot{}}

// Slot is one partition and the data servers replicating it.
type Slot struct {
	ID        int      `json:"id"`
	Leader    string   `json:"leader"`
	Followers []string `json:"followers,omitempty"`
}

// Table maps slot ids to their owners. A table is immutable once published:
// reassignment produces a new table with a strictly greater epoch.
type Table struct {
	Epoch int64        `json:"epoch"`
	Slots map[int]Slot `json:"slots"`
}

// Slot returns the slot with the given id.
func (t *Table) Slot(id int) (Slot, bool) {
	var s, ok = t.Slots[id]
	return s, ok
}

// LeaderSlots returns the ids of the slots led by addr, sorted.
func (t *Table) LeaderSlots(addr string) []int {
	var ids []int
	for id, s := range t.Slots {
		if s.Leader == addr {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// FollowerSlots returns the ids of the slots followed by addr, sorted.
func (t *Table) FollowerSlots(addr string) []int {
	var ids []int
	for id, s := range t.Slots {
		if slices.Contains(s.Followers, addr) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// SameAssignment reports whether both tables assign every slot identically,
// ignoring epochs.
func (t *Table) SameAssignment(other *Table) bool {
	if len(t.Slots) != len(other.Slots) {
		return false
	}

	for id, s := range t.Slots {
		var o, ok = other.Slots[id]
		if !ok || o.Leader != s.Leader || !slices.Equal(o.Followers, s.Followers) {
			return false
		}
	}
	return true
}

// WithEpoch returns a copy of the table carrying epoch.
func (t *Table) WithEpoch(epoch int64) *Table {
	var slots = make(map[int]Slot, len(t.Slots))
	for id, s := range t.Slots {
		s.Followers = slices.Clone(s.Followers)
		slots[id] = s
	}
	return &Table{Epoch: epoch, Slots: slots}
}

// String returns a visual representation of the table.
func (t *Table) String() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("Slot table epoch: %d | Slots: %d\n", t.Epoch, len(t.Slots)))
	if len(t.Slots) == 0 {
		b.WriteString("\n[Empty Table]\n")
		return b.String()
	}

	var ids = make([]int, 0, len(t.Slots))
	for id := range t.Slots {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var owned = make(map[string]int)
	b.WriteString("\n┌─────────────────────────────────────────────────────────────┐\n")
	for _, id := range ids {
		var s = t.Slots[id]
		owned[s.Leader]++
		b.WriteString(fmt.Sprintf("│ #%-5d  leader:%-21s  followers:%s\n",
			id, s.Leader, strings.Join(s.Followers, ",")))
	}
	b.WriteString("└─────────────────────────────────────────────────────────────┘\n")

	var leaders = make([]string, 0, len(owned))
	for addr := range owned {
		leaders = append(leaders, addr)
	}
	slices.Sort(leaders)

	b.WriteString("\nLeader Summary:\n")
	for _, addr := range leaders {
		b.WriteString(fmt.Sprintf("  %-21s  slots: %d\n", addr, owned[addr]))
	}

	return b.String()
}
