// Package metaclient is the data node side of the meta tier API.
package metaclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go-slotreg/cluster"
	"go-slotreg/lease"
	"go-slotreg/slot"
)

var (
	// ErrNoAddresses is returned by New when no meta address is given.
	ErrNoAddresses = errors.New("no meta server address")
	// ErrUnavailable is returned when no meta replica served a request.
	ErrUnavailable = errors.New("no meta server available")
)

// Client talks to the meta tier on behalf of one node. Requests go to the
// replica that last answered and move on to the next one on network errors,
// 421 and 5xx replies.
type Client struct {
	addresses []string
	node      lease.Node
	options   options

	current atomic.Uint32
}

// New creates a client for node. addresses are meta replica base URLs; a bare
// host:port gets the http scheme.
func New(addresses []string, node lease.Node, opts ...Option) (*Client, error) {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	var bases []string
	for _, addr := range addresses {
		addr = strings.TrimRight(strings.TrimSpace(addr), "/")
		if addr == "" {
			continue
		}
		if !strings.Contains(addr, "://") {
			addr = "http://" + addr
		}
		bases = append(bases, addr)
	}
	if len(bases) == 0 {
		return nil, ErrNoAddresses
	}

	return &Client{addresses: bases, node: node, options: options}, nil
}

// Node returns the node this client renews.
func (c *Client) Node() lease.Node {
	return c.node
}

// Register replaces any lease of the node with a fresh one.
func (c *Client) Register(ctx context.Context) error {
	return c.postLease(ctx, cluster.PathRegister)
}

// RenewNode renews the node's lease, creating it if missing.
func (c *Client) RenewNode(ctx context.Context) error {
	return c.postLease(ctx, cluster.PathRenew)
}

func (c *Client) postLease(ctx context.Context, path string) error {
	var req = cluster.RenewRequest{
		Service:      c.options.service,
		Node:         c.node,
		DurationSecs: c.options.durationSecs,
	}
	return c.do(ctx, func(base string) error {
		return cluster.PostJSON(ctx, base+path, req, nil)
	})
}

// Cancel removes the node's lease.
func (c *Client) Cancel(ctx context.Context) error {
	var req = cluster.CancelRequest{Service: c.options.service, Node: c.node}
	return c.do(ctx, func(base string) error {
		return cluster.PostJSON(ctx, base+cluster.PathCancel, req, nil)
	})
}

// StartRenewer renews the lease on a ticker until ctx is done. Failures are
// logged and retried on the next tick.
func (c *Client) StartRenewer(ctx context.Context) {
	var interval = c.options.renewInterval
	if interval <= 0 {
		interval = minRenewInterval
	}

	go func() {
		var ticker = time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.RenewNode(ctx); err != nil && ctx.Err() == nil {
					c.options.logger.Error("failed to renew lease",
						"service_id", c.options.service,
						"node", c.node.String(),
						"error", err)
				}
			}
		}
	}()
}

// FetchData returns the provide data stored under key. Unknown keys come back
// with Version 0.
func (c *Client) FetchData(ctx context.Context, key string) (*cluster.ProvideData, error) {
	var data cluster.ProvideData
	err := c.do(ctx, func(base string) error {
		return cluster.GetJSON(ctx, base+cluster.PathProvideData+"?key="+url.QueryEscape(key), &data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch provide data %q: %w", key, err)
	}
	return &data, nil
}

// PutData stores value under key and returns the stored version.
func (c *Client) PutData(ctx context.Context, key, value string) (*cluster.ProvideData, error) {
	var data cluster.ProvideData
	err := c.do(ctx, func(base string) error {
		return cluster.PutJSON(ctx, base+cluster.PathProvideData, cluster.ProvideData{Key: key, Value: value}, &data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to put provide data %q: %w", key, err)
	}
	return &data, nil
}

// SlotTable returns the slot table held by a meta replica.
func (c *Client) SlotTable(ctx context.Context) (*slot.Table, error) {
	var resp cluster.SlotTableResponse
	if err := c.do(ctx, func(base string) error {
		return cluster.GetJSON(ctx, base+cluster.PathSlotTable, &resp)
	}); err != nil {
		return nil, err
	}
	if resp.Table == nil {
		return slot.Init, nil
	}
	if resp.Table.Slots == nil {
		resp.Table.Slots = map[int]slot.Slot{}
	}
	return resp.Table, nil
}

// Leases returns the leases a meta replica holds for service.
func (c *Client) Leases(ctx context.Context, service string) ([]lease.Lease[lease.Node], error) {
	var resp cluster.LeasesResponse
	if err := c.do(ctx, func(base string) error {
		return cluster.GetJSON(ctx, base+cluster.PathLeases+"?service="+url.QueryEscape(service), &resp)
	}); err != nil {
		return nil, err
	}
	return resp.Leases, nil
}

// StartSlotTablePuller polls the slot table every interval until ctx is done
// and installs newer tables into slots.
func (c *Client) StartSlotTablePuller(ctx context.Context, slots *slot.Manager, interval time.Duration) {
	go func() {
		var ticker = time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if err := c.PullSlotTable(ctx, slots); err != nil && ctx.Err() == nil {
				c.options.logger.Warn("failed to pull slot table", "error", err)
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// PullSlotTable fetches the slot table once and installs it if newer.
func (c *Client) PullSlotTable(ctx context.Context, slots *slot.Manager) error {
	table, err := c.SlotTable(ctx)
	if err != nil {
		return err
	}
	if table.Epoch == slot.InitEpoch {
		return nil
	}
	slots.Update(table)
	return nil
}

// do runs fn against each replica at most once, starting with the last one
// that answered.
func (c *Client) do(ctx context.Context, fn func(base string) error) error {
	var (
		start = int(c.current.Load())
		errs  []error
	)
	for i := range c.addresses {
		var (
			idx  = (start + i) % len(c.addresses)
			base = c.addresses[idx]
		)

		err := fn(base)
		if err == nil {
			c.current.Store(uint32(idx))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !failover(err) {
			return err
		}

		c.options.logger.Debug("meta server request failed, trying next",
			"address", base,
			"error", err)
		errs = append(errs, err)
	}

	c.current.Store(uint32((start + 1) % len(c.addresses)))
	return fmt.Errorf("%w: %w", ErrUnavailable, errors.Join(errs...))
}

func failover(err error) bool {
	var statusErr *cluster.StatusError
	if !errors.As(err, &statusErr) {
		return true
	}
	return statusErr.Code == http.StatusMisdirectedRequest || statusErr.Code >= http.StatusInternalServerError
}
