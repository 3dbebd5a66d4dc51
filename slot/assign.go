package slot

import (
	"cmp"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"slices"
)

// Assign builds a table placing slotNum slots on nodes with rendezvous hashing:
// each slot is led by the node with the highest score and followed by the next
// replicas-1 nodes. The result depends only on the set of nodes, so every meta
// replica computes the same table for the same membership.
func Assign(slotNum, replicas int, nodes []string, epoch int64) *Table {
	var table = &Table{Epoch: epoch, Slots: make(map[int]Slot, slotNum)}
	if len(nodes) == 0 {
		return table
	}

	var members = slices.Clone(nodes)
	slices.Sort(members)
	members = slices.Compact(members)

	if replicas < 1 {
		replicas = 1
	}
	if replicas > len(members) {
		replicas = len(members)
	}

	type scored struct {
		node  string
		score uint32
	}

	for id := 0; id < slotNum; id++ {
		var ranked = make([]scored, 0, len(members))
		for _, node := range members {
			ranked = append(ranked, scored{node: node, score: hashSlotOwner(node, id)})
		}
		slices.SortFunc(ranked, func(a, b scored) int {
			if c := cmp.Compare(b.score, a.score); c != 0 {
				return c
			}
			return cmp.Compare(a.node, b.node)
		})

		var s = Slot{ID: id, Leader: ranked[0].node}
		for _, r := range ranked[1:replicas] {
			s.Followers = append(s.Followers, r.node)
		}
		table.Slots[id] = s
	}

	return table
}

// hashSlotOwner scores node for slot. The highest score owns the slot.
func hashSlotOwner(node string, slotID int) uint32 {
	var hash = md5.Sum([]byte(fmt.Sprintf("%s:%d", node, slotID)))
	return binary.BigEndian.Uint32(hash[:4])
}
