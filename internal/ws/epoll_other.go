//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms.
// Each connection is read through a buffered reader; a monitor goroutine
// peeks for data, reports the connection as ready and waits for the server
// to finish reading a frame before peeking again.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[*Connection]chan struct{} // connection -> resume signal
	readyCh chan *Connection
	done    chan struct{}
	once    sync.Once
}

// NewEpoll creates a new fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[*Connection]chan struct{}),
		readyCh: make(chan *Connection, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring c.
func (e *Epoll) Add(c *Connection) error {
	br := bufio.NewReader(c.conn)
	c.reader = br
	resume := make(chan struct{}, 1)

	e.mu.Lock()
	e.conns[c] = resume
	e.mu.Unlock()

	go e.monitor(c, br, resume)
	return nil
}

func (e *Epoll) monitor(c *Connection, br *bufio.Reader, resume chan struct{}) {
	for {
		_, err := br.Peek(1)
		select {
		case e.readyCh <- c:
		case <-e.done:
			return
		}
		// A failed peek is reported once so the read path sees the error.
		if err != nil {
			return
		}
		select {
		case <-resume:
		case <-e.done:
			return
		}
		if !e.watching(c) {
			return
		}
	}
}

func (e *Epoll) watching(c *Connection) bool {
	e.mu.RLock()
	_, ok := e.conns[c]
	e.mu.RUnlock()
	return ok
}

// Resume lets the monitor of c look for the next frame.
func (e *Epoll) Resume(c *Connection) {
	e.mu.RLock()
	resume, ok := e.conns[c]
	e.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case resume <- struct{}{}:
	default:
	}
}

// Remove stops monitoring c.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	resume, ok := e.conns[c]
	delete(e.conns, c)
	e.mu.Unlock()
	if ok {
		select {
		case resume <- struct{}{}:
		default:
		}
	}
	return nil
}

// Wait blocks until at least one connection is ready for reading and returns
// every connection that is ready at that point.
func (e *Epoll) Wait() ([]*Connection, error) {
	var first *Connection
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []*Connection{first}
	for {
		select {
		case c := <-e.readyCh:
			conns = append(conns, c)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback poller.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[*Connection]chan struct{})
	e.mu.Unlock()
	return nil
}

// isEINTR is always false: the fallback poller makes no blocking syscalls.
func isEINTR(error) bool {
	return false
}

// socketFD is unused by the fallback poller.
func socketFD(net.Conn) int {
	return -1
}
