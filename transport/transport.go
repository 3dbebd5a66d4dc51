// Package transport opens the listeners a data node serves on. Two exchanges
// are provided: an rpc25519 TCP exchange for node-to-node traffic and an HTTP
// exchange for admin endpoints. Both dispatch requests to Handlers by interest.
package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"
)

var (
	// ErrNoHandler is returned to callers whose interest has no handler.
	ErrNoHandler = errors.New("no handler registered for interest")

	// ErrClosed is returned when using a closed server or client.
	ErrClosed = errors.New("transport closed")
)

// Handler serves one kind of request. The returned value is encoded as JSON.
type Handler interface {
	Interest() string
	Handle(ctx context.Context, body []byte) (any, error)
}

// Server is an open listener.
type Server interface {
	Address() string
	IsOpen() bool
	Close() error
}

// Exchange opens servers. lowWaterMark and highWaterMark bound the load a
// server admits: once highWaterMark is reached, admission pauses until no more
// than lowWaterMark remain. The HTTP exchange counts open connections, the TCP
// exchange counts requests in flight. A non-positive highWaterMark disables the
// bound.
type Exchange interface {
	Open(address string, lowWaterMark, highWaterMark int, handlers ...Handler) (Server, error)
}

type handlerFunc struct {
	interest string
	fn       func(ctx context.Context, body []byte) (any, error)
}

func (h handlerFunc) Interest() string {
	return h.interest
}

func (h handlerFunc) Handle(ctx context.Context, body []byte) (any, error) {
	return h.fn(ctx, body)
}

// NewHandler adapts fn into a Handler for interest.
func NewHandler(interest string, fn func(ctx context.Context, body []byte) (any, error)) Handler {
	return handlerFunc{interest: interest, fn: fn}
}

func handlerMap(handlers []Handler) map[string]Handler {
	var m = make(map[string]Handler, len(handlers))
	for _, h := range handlers {
		m[h.Interest()] = h
	}
	return m
}

type options struct {
	logger       *slog.Logger
	closeTimeout time.Duration
}

func defaultOptions() options {
	return options{
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		closeTimeout: 5 * time.Second,
	}
}

// Option configures an exchange.
type Option func(*options)

// WithLogger sets the logger for the exchange.
// If not provided, a no-op logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithCloseTimeout bounds how long Close waits for in-flight requests.
// Default is 5 seconds.
func WithCloseTimeout(d time.Duration) Option {
	return func(o *options) {
		o.closeTimeout = d
	}
}
