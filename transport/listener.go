package transport

import (
	"context"
	"net"
	"sync"
)

// waterMark admits work until high units are active, then pauses admission
// until no more than low remain. A non-positive high disables the bound.
type waterMark struct {
	low, high int

	mu     sync.Mutex
	active int
	paused bool
	resume chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func newWaterMark(low, high int) *waterMark {
	if low > high {
		low = high
	}
	if low < 0 {
		low = 0
	}
	return &waterMark{low: low, high: high, closed: make(chan struct{})}
}

// acquire blocks while admission is paused.
func (w *waterMark) acquire(ctx context.Context) error {
	for {
		w.mu.Lock()
		if !w.paused {
			w.active++
			if w.high > 0 && w.active >= w.high {
				w.paused = true
				w.resume = make(chan struct{})
			}
			w.mu.Unlock()
			return nil
		}
		var resume = w.resume
		w.mu.Unlock()

		select {
		case <-resume:
		case <-ctx.Done():
			return ctx.Err()
		case <-w.closed:
			return ErrClosed
		}
	}
}

func (w *waterMark) release() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.active--
	if w.paused && w.active <= w.low {
		w.paused = false
		close(w.resume)
	}
}

// Active returns the number of units admitted and not yet released.
func (w *waterMark) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

func (w *waterMark) shutdown() {
	w.closeOnce.Do(func() { close(w.closed) })
}

// waterMarkListener pauses Accept while too many accepted connections are open.
type waterMarkListener struct {
	net.Listener
	*waterMark
}

func newWaterMarkListener(l net.Listener, low, high int) *waterMarkListener {
	return &waterMarkListener{Listener: l, waterMark: newWaterMark(low, high)}
}

func (l *waterMarkListener) Accept() (net.Conn, error) {
	if err := l.acquire(context.Background()); err != nil {
		return nil, net.ErrClosed
	}

	conn, err := l.Listener.Accept()
	if err != nil {
		l.release()
		return nil, err
	}
	return &trackedConn{Conn: conn, release: l.release}, nil
}

func (l *waterMarkListener) Close() error {
	l.waterMark.shutdown()
	return l.Listener.Close()
}

type trackedConn struct {
	net.Conn
	once    sync.Once
	release func()
}

func (c *trackedConn) Close() error {
	var err = c.Conn.Close()
	c.once.Do(c.release)
	return err
}
