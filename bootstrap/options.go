package bootstrap

import (
	"io"
	"log/slog"

	"go-slotreg/transport"
)

type options struct {
	logger          *slog.Logger
	exchange        transport.Exchange
	httpExchange    transport.Exchange
	notifyHandlers  []transport.Handler
	sessionHandlers []transport.Handler
	syncHandlers    []transport.Handler
	httpHandlers    []transport.Handler
}

func defaultOptions() options {
	return options{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Option configures an Orchestrator.
type Option func(*options)

// WithLogger sets the logger for the orchestrator.
// If not provided, a no-op logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithExchange sets the exchange opening the notify, session and sync ports.
// Default is a transport.TCPExchange.
func WithExchange(exchange transport.Exchange) Option {
	return func(o *options) {
		o.exchange = exchange
	}
}

// WithHTTPExchange sets the exchange opening the admin port.
// Default is a transport.HTTPExchange.
func WithHTTPExchange(exchange transport.Exchange) Option {
	return func(o *options) {
		o.httpExchange = exchange
	}
}

// WithNotifyHandlers sets the handlers served on the notify port.
func WithNotifyHandlers(handlers ...transport.Handler) Option {
	return func(o *options) {
		o.notifyHandlers = handlers
	}
}

// WithSessionHandlers sets the handlers served on the session port.
func WithSessionHandlers(handlers ...transport.Handler) Option {
	return func(o *options) {
		o.sessionHandlers = handlers
	}
}

// WithSyncHandlers sets the handlers served on the sync port.
func WithSyncHandlers(handlers ...transport.Handler) Option {
	return func(o *options) {
		o.syncHandlers = handlers
	}
}

// WithHTTPHandlers adds handlers to the admin port, next to the built-in
// health handler.
func WithHTTPHandlers(handlers ...transport.Handler) Option {
	return func(o *options) {
		o.httpHandlers = handlers
	}
}
