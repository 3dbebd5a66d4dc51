package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
)

// APIPrefix is the path prefix under which HTTP handlers are mounted:
// a handler with interest "health" serves /api/health.
const APIPrefix = "/api/"

// HTTPExchange opens HTTP servers.
type HTTPExchange struct {
	options options
}

func NewHTTPExchange(opts ...Option) *HTTPExchange {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &HTTPExchange{options: options}
}

func (e *HTTPExchange) Open(address string, lowWaterMark, highWaterMark int, handlers ...Handler) (Server, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	var s = &httpServer{
		listener:     newWaterMarkListener(l, lowWaterMark, highWaterMark),
		logger:       e.options.logger.With("transport", "http", "address", l.Addr().String()),
		closeTimeout: e.options.closeTimeout,
		done:         make(chan struct{}),
	}

	var mux = http.NewServeMux()
	for _, h := range handlers {
		mux.Handle(APIPrefix+h.Interest(), s.serveHandler(h))
	}
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.open.Store(true)

	go func() {
		defer close(s.done)
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", "error", err)
		}
	}()

	s.logger.Info("http server opened", "handlers", len(handlers))
	return s, nil
}

type httpServer struct {
	listener     *waterMarkListener
	server       *http.Server
	logger       *slog.Logger
	closeTimeout time.Duration
	open         atomic.Bool
	done         chan struct{}
}

func (s *httpServer) Address() string {
	return s.listener.Addr().String()
}

func (s *httpServer) IsOpen() bool {
	return s.open.Load()
}

func (s *httpServer) Close() error {
	if !s.open.CompareAndSwap(true, false) {
		return nil
	}

	var ctx, cancel = context.WithTimeout(context.Background(), s.closeTimeout)
	defer cancel()

	var err = s.server.Shutdown(ctx)
	if err != nil {
		s.logger.Warn("graceful shutdown failed, forcing close", "error", err)
		err = s.server.Close()
	}
	<-s.done

	s.logger.Info("http server closed")
	if err != nil {
		return fmt.Errorf("failed to close http server: %w", err)
	}
	return nil
}

func (s *httpServer) serveHandler(h Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxFrameSize))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		resp, err := h.Handle(r.Context(), body)
		if err != nil {
			s.logger.Debug("handler failed", "interest", h.Interest(), "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
