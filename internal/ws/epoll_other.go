//go:build !linux

package ws

import (
	"bufio"
	"io"
	"net"
	"sync"
)

// Epoll is the portable stand-in for the Linux poller: one goroutine per
// connection peeks for the next byte, reports the connection ready and then
// waits until the server has read the frame before peeking again.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]*watch
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

type watch struct {
	r      *bufio.Reader
	resume chan struct{}
	gone   chan struct{}
}

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*watch),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts watching conn.
func (e *Epoll) Add(conn net.Conn) error {
	w := &watch{
		r:      bufio.NewReader(conn),
		resume: make(chan struct{}, 1),
		gone:   make(chan struct{}),
	}
	e.mu.Lock()
	e.conns[conn] = w
	e.mu.Unlock()

	go e.monitor(conn, w)
	return nil
}

func (e *Epoll) monitor(conn net.Conn, w *watch) {
	for {
		_, err := w.r.Peek(1)
		select {
		case e.readyCh <- conn:
		case <-w.gone:
			return
		case <-e.done:
			return
		}
		if err != nil {
			return
		}
		select {
		case <-w.resume:
		case <-w.gone:
			return
		case <-e.done:
			return
		}
	}
}

// Reader returns the buffered reader the monitor peeks through. Frames must
// be read from it, not from conn.
func (e *Epoll) Reader(conn net.Conn) io.Reader {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.conns[conn]; ok {
		return w.r
	}
	return conn
}

// Resume lets the monitor look for the next frame on conn.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.Lock()
	w, ok := e.conns[conn]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case w.resume <- struct{}{}:
	default:
	}
}

// Remove stops watching conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	w, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if ok {
		close(w.gone)
	}
	return nil
}

// Wait blocks until at least one connection is ready and returns every
// connection that is ready now.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the poller.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}
