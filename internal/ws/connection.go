package ws

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/teamchat/chat-app/internal/auth"
)

// Connection states. A connection only ever moves forward:
// unauthenticated -> authenticated -> closed, or unauthenticated -> closed.
const (
	stateUnauthenticated int32 = iota
	stateAuthenticated
	stateClosed
)

// ErrConnectionClosed is returned by Send after the connection was closed.
var ErrConnectionClosed = errors.New("ws: connection closed")

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
type Connection struct {
	id           string
	conn         net.Conn  // underlying TCP connection
	reader       io.Reader // frame source; conn unless the poller buffers it
	fd           int       // file descriptor for epoll lookups
	createdAt    time.Time
	lastSeen     atomic.Int64 // unix nanos of the last frame read
	state        atomic.Int32
	processing   atomic.Int32 // 0 = idle, 1 = being read by handleConn
	writeTimeout time.Duration
	writeMu      sync.Mutex // serializes writes to this connection

	mu        sync.RWMutex
	principal auth.Principal
	authTimer *time.Timer
}

func newConnection(id string, conn net.Conn, writeTimeout time.Duration) *Connection {
	c := &Connection{
		id:           id,
		conn:         conn,
		reader:       conn,
		fd:           socketFD(conn),
		createdAt:    time.Now(),
		writeTimeout: writeTimeout,
	}
	c.touch()
	return c
}

// ID returns the connection's unique id.
func (c *Connection) ID() string { return c.id }

// Principal returns the authenticated identity. It is the zero Principal
// until the connection authenticates.
func (c *Connection) Principal() auth.Principal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.principal
}

// Authenticated reports whether the connection completed authentication and
// is still open.
func (c *Connection) Authenticated() bool {
	return c.state.Load() == stateAuthenticated
}

// authenticate records p and moves the connection to the authenticated
// state. It fails if the connection was closed or already authenticated.
func (c *Connection) authenticate(p auth.Principal) bool {
	c.mu.Lock()
	c.principal = p
	c.stopAuthTimerLocked()
	c.mu.Unlock()
	return c.state.CompareAndSwap(stateUnauthenticated, stateAuthenticated)
}

// abandon moves a pending connection straight to the closed state. It
// reports false if the connection already left the pending state.
func (c *Connection) abandon() bool {
	return c.state.CompareAndSwap(stateUnauthenticated, stateClosed)
}

// markClosed moves the connection to the closed state and returns the state
// it was in before.
func (c *Connection) markClosed() int32 {
	c.mu.Lock()
	c.stopAuthTimerLocked()
	c.mu.Unlock()
	return c.state.Swap(stateClosed)
}

func (c *Connection) stopAuthTimerLocked() {
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
}

func (c *Connection) setAuthTimer(t *time.Timer) {
	c.mu.Lock()
	c.authTimer = t
	c.mu.Unlock()
}

func (c *Connection) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns when the connection last delivered a frame.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Send writes a WebSocket text frame to this connection. It fails once the
// connection is closed.
func (c *Connection) Send(data []byte) error {
	if c.state.Load() == stateClosed {
		return ErrConnectionClosed
	}
	return c.write(data)
}

// write sends a text frame regardless of state. The write mutex ensures that
// concurrent goroutines do not interleave frame bytes.
func (c *Connection) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer func() { _ = c.conn.SetWriteDeadline(time.Time{}) }()
	}
	return wsutil.WriteServerMessage(c.conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer func() { _ = c.conn.SetWriteDeadline(time.Time{}) }()
	}
	return ws.WriteFrame(c.conn, ws.NewPingFrame(nil))
}

// writeClose sends a close frame with the given status.
func (c *Connection) writeClose(code ws.StatusCode, reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer func() { _ = c.conn.SetWriteDeadline(time.Time{}) }()
	}
	return ws.WriteFrame(c.conn, ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.conn.Close()
}

// ConnectionManager is a thread-safe index of live connections by id. Both
// pending and authenticated connections are tracked so the heartbeat and
// shutdown can reach them.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byID: make(map[string]*Connection)}
}

// Add registers a connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.id] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by id and closes the underlying network
// connection. Returns true if the connection was found and removed, false if
// it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
	}
	cm.mu.Unlock()

	if ok {
		_ = conn.Close()
	}
	return ok
}

// Count returns the current number of tracked connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
