package raftchannel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.etcd.io/raft/v3/raftpb"
)

// RaftPath is the HTTP path on which peers receive raft messages.
const RaftPath = "/raft"

// LocalNetwork connects nodes living in the same process. Individual nodes can
// be cut off to simulate partitions.
type LocalNetwork struct {
	mu    sync.RWMutex
	nodes map[uint64]*Node
	down  map[uint64]bool
}

// NewLocalNetwork creates an empty in-process network.
func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		nodes: make(map[uint64]*Node),
		down:  make(map[uint64]bool),
	}
}

// Attach makes n reachable through the network.
func (l *LocalNetwork) Attach(n *Node) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nodes[n.ID()] = n
}

// Disconnect drops every message to and from id.
func (l *LocalNetwork) Disconnect(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.down[id] = true
}

// Reconnect restores delivery to and from id.
func (l *LocalNetwork) Reconnect(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.down, id)
}

// Send delivers messages to attached nodes.
func (l *LocalNetwork) Send(messages []raftpb.Message) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, msg := range messages {
		if l.down[msg.From] || l.down[msg.To] {
			continue
		}
		if node, ok := l.nodes[msg.To]; ok {
			node.Receive(msg)
		}
	}
}

// HTTPTransport sends raft messages to peers over HTTP. Each peer has its own
// bounded queue and sender goroutine so a slow peer never stalls the raft loop.
type HTTPTransport struct {
	client *http.Client
	logger *slog.Logger
	queues map[uint64]chan raftpb.Message
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHTTPTransport starts one sender per peer. peers maps raft id to base URL,
// for example "http://10.0.0.1:9615".
func NewHTTPTransport(peers map[uint64]string, logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var ctx, cancel = context.WithCancel(context.Background())
	var t = &HTTPTransport{
		client: &http.Client{Timeout: 2 * time.Second},
		logger: logger,
		queues: make(map[uint64]chan raftpb.Message, len(peers)),
		cancel: cancel,
	}

	for id, baseURL := range peers {
		var queue = make(chan raftpb.Message, 1024)
		t.queues[id] = queue

		t.wg.Add(1)
		go t.sendWorker(ctx, id, baseURL+RaftPath, queue)
	}

	return t
}

// Send queues messages for their peers, dropping them when a queue is full.
func (t *HTTPTransport) Send(messages []raftpb.Message) {
	for _, msg := range messages {
		var queue, ok = t.queues[msg.To]
		if !ok {
			continue
		}

		select {
		case queue <- msg:
		default:
			t.logger.Warn("raft peer queue full, dropping message", "to", msg.To)
		}
	}
}

// Close stops every sender.
func (t *HTTPTransport) Close() {
	t.cancel()
	t.wg.Wait()
}

func (t *HTTPTransport) sendWorker(ctx context.Context, id uint64, url string, queue <-chan raftpb.Message) {
	defer t.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-queue:
			if err := t.post(ctx, url, msg); err != nil {
				t.logger.Debug("failed to send raft message",
					"to", id,
					"type", msg.Type.String(),
					"error", err)
			}
		}
	}
}

func (t *HTTPTransport) post(ctx context.Context, url string, msg raftpb.Message) error {
	var body, err = msg.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal raft message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return nil
}

// Handler returns the HTTP handler that feeds peer messages into n.
func Handler(n *Node) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var body, err = io.ReadAll(io.LimitReader(r.Body, 64<<20))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		var msg raftpb.Message
		if err := msg.Unmarshal(body); err != nil {
			http.Error(w, "bad raft message", http.StatusBadRequest)
			return
		}

		n.Receive(msg)
		w.WriteHeader(http.StatusNoContent)
	})
}
