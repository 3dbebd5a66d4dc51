package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/glycerine/rpc25519"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const (
	// serviceName is the single rpc25519 service every TCP server registers.
	// The handler is picked by the interest header.
	serviceName = "slotreg"

	interestArg = "interest"
)

// TCPExchange opens rpc25519 servers over plain TCP. Request and reply bodies
// travel as JSON in the message payload.
type TCPExchange struct {
	options options
}

func NewTCPExchange(opts ...Option) *TCPExchange {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &TCPExchange{options: options}
}

func newRPCConfig() *rpc25519.Config {
	var cfg = rpc25519.NewConfig()
	cfg.TCPonly_no_TLS = true
	cfg.QuietTestMode = true
	return cfg
}

func (e *TCPExchange) Open(address string, lowWaterMark, highWaterMark int, handlers ...Handler) (Server, error) {
	var cfg = newRPCConfig()
	cfg.ServerAddr = address

	var ctx, cancel = context.WithCancel(context.Background())
	var s = &tcpServer{
		rpc:       rpc25519.NewServer("slotreg-"+address, cfg),
		handlers:  handlerMap(handlers),
		waterMark: newWaterMark(lowWaterMark, highWaterMark),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.rpc.Register2Func(serviceName, s.serve)

	addr, err := s.rpc.Start()
	if err != nil {
		cancel()
		s.rpc.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s.address = addr.String()
	s.logger = e.options.logger.With("transport", "tcp", "address", s.address)
	s.open.Store(true)

	s.logger.Info("tcp server opened", "handlers", len(handlers))
	return s, nil
}

type tcpServer struct {
	rpc       *rpc25519.Server
	address   string
	handlers  map[string]Handler
	waterMark *waterMark
	logger    *slog.Logger

	open      atomic.Bool
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

func (s *tcpServer) Address() string {
	return s.address
}

func (s *tcpServer) IsOpen() bool {
	return s.open.Load()
}

func (s *tcpServer) Close() error {
	if !s.open.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()
	s.waterMark.shutdown()
	var err = s.rpc.Close()
	s.logger.Info("tcp server closed")

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close rpc server: %w", err)
	}
	return nil
}

// serve runs one request. Once highWaterMark requests are in flight, further
// requests wait until no more than lowWaterMark remain.
func (s *tcpServer) serve(req, reply *rpc25519.Message) error {
	var interest = req.HDR.Args[interestArg]

	var h, ok = s.handlers[interest]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, interest)
	}

	var ctx = s.ctx
	if req.HDR.Ctx != nil {
		var stop func() bool
		ctx, stop = mergeCancel(s.ctx, req.HDR.Ctx)
		defer stop()
	}

	if err := s.waterMark.acquire(ctx); err != nil {
		return err
	}
	defer s.waterMark.release()

	resp, err := h.Handle(ctx, req.JobSerz)
	if err != nil {
		return err
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode reply: %w", err)
	}
	reply.JobSerz = body
	return nil
}

// mergeCancel returns a context of parent that is also cancelled with other.
func mergeCancel(parent, other context.Context) (context.Context, func() bool) {
	var ctx, cancel = context.WithCancel(parent)
	var stop = context.AfterFunc(other, cancel)
	return ctx, func() bool {
		cancel()
		return stop()
	}
}

// RemoteError is a handler failure reported by the peer.
type RemoteError struct {
	Interest string
	Message  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Interest, e.Message)
}

// Client calls a TCP server.
type Client struct {
	rpc *rpc25519.Client

	mu     sync.Mutex
	closed bool
}

// Dial connects to a TCP server.
func Dial(ctx context.Context, address string) (*Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var cfg = newRPCConfig()
	cfg.ClientDialToHostPort = address

	cli, err := rpc25519.NewClient("slotreg-"+uuid.NewString(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}
	if err := cli.Start(); err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}
	return &Client{rpc: cli}, nil
}

// Call sends req to the handler of interest and decodes its reply into resp.
func (c *Client) Call(ctx context.Context, interest string, req any, resp any) error {
	c.mu.Lock()
	var closed = c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	var msg = rpc25519.NewMessage()
	msg.HDR.ServiceName = serviceName
	if msg.HDR.Args == nil {
		msg.HDR.Args = make(map[string]string)
	}
	msg.HDR.Args[interestArg] = interest
	msg.JobSerz = body

	reply, err := c.rpc.SendAndGetReply(msg, ctx.Done())
	if reply != nil && reply.JobErrs != "" {
		return &RemoteError{Interest: interest, Message: strings.TrimSpace(reply.JobErrs)}
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("failed to call %s: %w", interest, err)
	}
	if resp == nil || len(reply.JobSerz) == 0 {
		return nil
	}
	return json.Unmarshal(reply.JobSerz, resp)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.rpc.Close()
}
