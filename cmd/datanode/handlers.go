package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"go-slotreg/bootstrap"
	"go-slotreg/cluster"
	"go-slotreg/lease"
	"go-slotreg/slot"
	"go-slotreg/transport"
)

var errSlotNotFound = errors.New("slot not found")

type pingResponse struct {
	Node  lease.Node `json:"node"`
	Epoch int64      `json:"epoch"`
}

type slotsResponse struct {
	Epoch    int64 `json:"epoch"`
	Leader   []int `json:"leader"`
	Follower []int `json:"follower"`
}

type slotRequest struct {
	Slot int `json:"slot"`
}

type slotResponse struct {
	Epoch int64     `json:"epoch"`
	Slot  slot.Slot `json:"slot"`
}

func pingHandler(node lease.Node, slots *slot.Manager) transport.Handler {
	return transport.NewHandler("ping", func(ctx context.Context, body []byte) (any, error) {
		return pingResponse{Node: node, Epoch: slots.Epoch()}, nil
	})
}

// slotsHandler reports the slots this node leads and follows.
func slotsHandler(node lease.Node, slots *slot.Manager) transport.Handler {
	return transport.NewHandler("slots", func(ctx context.Context, body []byte) (any, error) {
		var (
			table            = slots.Table()
			leader, follower = table.LeaderSlots(node.Address()), table.FollowerSlots(node.Address())
		)
		return slotsResponse{Epoch: table.Epoch, Leader: leader, Follower: follower}, nil
	})
}

// slotHandler looks up one slot of the table in force.
func slotHandler(slots *slot.Manager) transport.Handler {
	return transport.NewHandler("slot", func(ctx context.Context, body []byte) (any, error) {
		var req slotRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("invalid slot request: %w", err)
		}

		var table = slots.Table()
		s, ok := table.Slot(req.Slot)
		if !ok {
			return nil, fmt.Errorf("%w: %d at epoch %d", errSlotNotFound, req.Slot, table.Epoch)
		}
		return slotResponse{Epoch: table.Epoch, Slot: s}, nil
	})
}

func slotTableHandler(slots *slot.Manager) transport.Handler {
	return transport.NewHandler("slot-table", func(ctx context.Context, body []byte) (any, error) {
		return cluster.SlotTableResponse{Table: slots.Table()}, nil
	})
}

type configResponse struct {
	SessionLeaseSecs        int `json:"sessionLeaseSecs"`
	SyncSessionIntervalSecs int `json:"syncSessionIntervalSecs"`
	SessionPort             int `json:"sessionPort"`
	SyncPort                int `json:"syncPort"`
	NotifyPort              int `json:"notifyPort"`
	HTTPPort                int `json:"httpPort"`
}

// configHandler reports the settings in force, overrides from the meta tier
// included.
func configHandler(config func() bootstrap.Config) transport.Handler {
	return transport.NewHandler("config", func(ctx context.Context, body []byte) (any, error) {
		var c = config()
		return configResponse{
			SessionLeaseSecs:        c.SessionLeaseSecs,
			SyncSessionIntervalSecs: c.SyncSessionIntervalSecs,
			SessionPort:             c.SessionPort,
			SyncPort:                c.SyncPort,
			NotifyPort:              c.NotifyPort,
			HTTPPort:                c.HTTPPort,
		}, nil
	})
}
