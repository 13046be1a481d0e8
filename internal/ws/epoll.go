//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// waitTimeoutMillis bounds epoll_wait so the event loop notices shutdown.
const waitTimeoutMillis = 500

// Epoll wraps Linux epoll syscalls for WebSocket I/O multiplexing. File
// descriptors are registered with the kernel and the event loop is woken only
// for connections that have data to read.
type Epoll struct {
	fd          int                 // epoll file descriptor
	connections map[int]*Connection // fd -> Connection
	mu          sync.RWMutex        // protects connections
	events      []unix.EpollEvent   // reusable event buffer for Wait
}

// NewEpoll creates a new epoll instance using epoll_create1.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:          fd,
		connections: make(map[int]*Connection),
		events:      make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers a connection for EPOLLIN and EPOLLHUP notifications.
func (e *Epoll) Add(c *Connection) error {
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_ADD, c.fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP,
		Fd:     int32(c.fd),
	}); err != nil {
		return err
	}

	e.mu.Lock()
	e.connections[c.fd] = c
	e.mu.Unlock()
	return nil
}

// Remove unregisters a connection. Removing an unknown connection is a no-op.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	_, ok := e.connections[c.fd]
	delete(e.connections, c.fd)
	e.mu.Unlock()
	if !ok {
		return nil
	}
	return unix.EpollCtl(e.fd, syscall.EPOLL_CTL_DEL, c.fd, nil)
}

// Resume is a no-op: level-triggered epoll reports leftover data on its own.
func (e *Epoll) Resume(*Connection) {}

// Wait blocks until one or more registered connections are ready for reading.
// Connections removed between epoll_wait returning and the lookup are
// skipped.
func (e *Epoll) Wait() ([]*Connection, error) {
	n, err := unix.EpollWait(e.fd, e.events, waitTimeoutMillis)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	conns := make([]*Connection, 0, n)
	for i := 0; i < n; i++ {
		if c, ok := e.connections[int(e.events[i].Fd)]; ok {
			conns = append(conns, c)
		}
	}
	e.mu.RUnlock()
	return conns, nil
}

// Close closes the epoll file descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connections = nil
	return unix.Close(e.fd)
}

// isEINTR reports an interrupted epoll_wait, which is retried.
func isEINTR(err error) bool {
	return err == unix.EINTR
}

// socketFD extracts the file descriptor from a net.Conn using the
// SyscallConn interface. This avoids duplicating the file descriptor
// (which File() does), keeping the original fd valid for epoll registration.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	var fd int
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
