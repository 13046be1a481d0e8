// Package ws handles WebSocket connection management: upgrading HTTP
// requests, authenticating each connection before it may send events,
// multiplexing reads over epoll with a bounded worker pool, and handing
// authenticated frames to the chat gateway.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/teamchat/chat-app/internal/apperr"
	"github.com/teamchat/chat-app/internal/auth"
	"github.com/teamchat/chat-app/internal/gateway"
	"github.com/teamchat/chat-app/internal/metrics"
	"github.com/teamchat/chat-app/internal/protocol"
	"github.com/teamchat/chat-app/internal/ratelimit"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	MaxMessageSize int64         // largest accepted inbound message in bytes
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	AuthTimeout    time.Duration // deadline for authenticating a new connection
	AllowedOrigins []string      // empty allows every origin
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		MaxMessageSize: 64 << 10,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		AuthTimeout:    5 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Authenticator verifies the token a connection presents.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (auth.Principal, error)
}

// Handler receives authenticated connections and their frames. Dispatch
// returns an error only when the connection's authentication no longer holds.
type Handler interface {
	Connect(c gateway.Client)
	Disconnect(c gateway.Client)
	Dispatch(c gateway.Client, data []byte) error
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections, authenticates them, registers them with an epoll
// instance for readiness notifications and reads ready connections on a
// bounded worker pool.
type Server struct {
	config     ServerConfig
	epoll      *Epoll
	conns      *ConnectionManager
	auth       Authenticator
	handler    Handler
	limiter    gateway.Limiter
	logger     *zap.Logger
	workerPool chan struct{} // semaphore limiting concurrent read workers
	httpServer *http.Server
	done       chan struct{}
	closeOnce  sync.Once
	startedAt  time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithConnectLimiter throttles upgrades per remote IP.
func WithConnectLimiter(l gateway.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// NewServer creates a Server. Frames from authenticated connections are
// passed to handler from a worker goroutine, one frame per connection at a
// time.
func NewServer(config ServerConfig, authenticator Authenticator, handler Handler, logger *zap.Logger, opts ...Option) (*Server, error) {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultServerConfig().WorkerPoolSize
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultServerConfig().MaxMessageSize
	}

	epoll, err := NewEpoll()
	if err != nil {
		return nil, fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s := &Server{
		config:     config,
		epoll:      epoll,
		conns:      NewConnectionManager(),
		auth:       authenticator,
		handler:    handler,
		logger:     logger.Named("ws"),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the HTTP routes served by the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln. It starts the epoll event loop and the
// heartbeat in the background and blocks until the HTTP server stops.
func (s *Server) Serve(ln net.Listener) error {
	s.startedAt = time.Now()

	go s.startEventLoop()
	s.startHeartbeat(s.config.Heartbeat)

	s.logger.Info("server listening",
		zap.String("addr", ln.Addr().String()),
		zap.Int("workers", s.config.WorkerPoolSize),
		zap.Int("max_conns", s.config.MaxConnections),
	)

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection. A token
// presented with the handshake is verified before the connection is
// registered; otherwise the connection waits for an authenticate frame until
// AuthTimeout.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if !s.originAllowed(r.Header.Get("Origin")) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	if retry, ok := s.allowConnect(r); !ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(retry/time.Second)))
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	token := auth.ExtractToken(r)

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	c := newConnection(uuid.NewString(), conn, s.config.WriteTimeout)

	if token != "" {
		p, err := s.authenticate(token)
		if err != nil {
			c.abandon()
			s.rejectAuth(c, err)
			return
		}
		s.conns.Add(c)
		if !s.accept(c, p) {
			s.RemoveConnection(c)
			return
		}
	} else {
		s.conns.Add(c)
		if s.config.AuthTimeout > 0 {
			c.setAuthTimer(time.AfterFunc(s.config.AuthTimeout, func() {
				if c.abandon() {
					s.rejectAuth(c, fmt.Errorf("%w: authentication timed out", auth.ErrTokenInvalid))
				}
			}))
		}
	}

	if err := s.epoll.Add(c); err != nil {
		s.logger.Error("epoll add failed", zap.String("session", c.id), zap.Error(err))
		s.RemoveConnection(c)
		return
	}
	s.logger.Debug("new connection",
		zap.String("session", c.id),
		zap.Int("fd", c.fd),
		zap.Bool("authenticated", c.Authenticated()),
		zap.Int("total", s.conns.Count()),
	)
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.config.AllowedOrigins) == 0 || origin == "" {
		return true
	}
	return lo.Contains(s.config.AllowedOrigins, origin) || lo.Contains(s.config.AllowedOrigins, "*")
}

// allowConnect applies the per-IP connect rule. Limiter failures let the
// upgrade through.
func (s *Server) allowConnect(r *http.Request) (time.Duration, bool) {
	if s.limiter == nil {
		return 0, true
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	ok, err := s.limiter.Allow(r.Context(), ip, ratelimit.RuleConnect)
	if err != nil || ok {
		return 0, true
	}
	metrics.RateLimited.WithLabelValues("connect").Inc()
	return ratelimit.RuleConnect.Window, false
}

func (s *Server) authenticate(token string) (auth.Principal, error) {
	ctx := context.Background()
	if s.config.AuthTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.AuthTimeout)
		defer cancel()
	}
	return s.auth.Authenticate(ctx, token)
}

// accept completes authentication: it confirms the connection to the client
// and hands it to the gateway.
func (s *Server) accept(c *Connection, p auth.Principal) bool {
	if !c.authenticate(p) {
		return false
	}
	metrics.Connections.Inc()

	msg, err := protocol.NewServerMessage(protocol.EventConnected, protocol.ConnectedPayload{
		Success: true,
		UserID:  p.ID,
		Role:    string(p.Role),
	})
	if err == nil {
		if err := c.Send(msg); err != nil {
			s.logger.Debug("send connected failed", zap.String("session", c.id), zap.Error(err))
		}
	}

	s.handler.Connect(c)
	// Lost a race with RemoveConnection; undo the registration it missed.
	if !c.Authenticated() {
		s.handler.Disconnect(c)
		return false
	}
	s.logger.Info("connection authenticated",
		zap.String("session", c.id),
		zap.String("user", p.ID),
		zap.String("role", string(p.Role)),
	)
	return true
}

// rejectAuth tells the client why authentication failed and closes the
// connection. The connection must already be out of the pending state.
func (s *Server) rejectAuth(c *Connection, err error) {
	typ, code := auth.Describe(err)
	metrics.AuthFailures.WithLabelValues(typ).Inc()

	text := "authentication failed"
	if ae, ok := apperr.As(err); ok {
		text = ae.Message
	}
	msg, encErr := protocol.NewServerMessage(protocol.EventAuthenticationError, protocol.AuthErrorPayload{
		Success: false,
		Type:    typ,
		Message: text,
		Code:    code,
	})
	if encErr == nil {
		_ = c.write(msg)
	}
	_ = c.writeClose(ws.StatusPolicyViolation, typ)

	s.logger.Info("authentication rejected",
		zap.String("session", c.id),
		zap.String("type", typ),
		zap.Error(err),
	)
	s.RemoveConnection(c)
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime. It is used by the load balancer.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. Each ready connection is read on
// a worker goroutine bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if !isEINTR(err) {
				s.logger.Error("epoll wait failed", zap.Error(err))
			}
			continue
		}

		for _, c := range conns {
			// Blocks while every worker is busy.
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(c)
			}()
		}
	}
}

// handleConn reads one WebSocket message from a ready connection. The first
// data frame of a pending connection must authenticate it; frames of an
// authenticated connection go to the handler. Read failures remove the
// connection.
func (s *Server) handleConn(c *Connection) {
	defer s.epoll.Resume(c)

	// Level-triggered epoll may report a connection that is still being read.
	if !c.processing.CompareAndSwap(0, 1) {
		return
	}
	defer c.processing.Store(0)

	if s.config.ReadTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(c.reader, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale dispatch). The
		// heartbeat takes care of dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	c.touch()

	if header.OpCode.IsControl() {
		_, _ = io.Copy(io.Discard, reader)
		_ = c.conn.SetReadDeadline(time.Time{})
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data, err := io.ReadAll(io.LimitReader(reader, s.config.MaxMessageSize+1))
	_ = c.conn.SetReadDeadline(time.Time{})
	if err != nil {
		s.RemoveConnection(c)
		return
	}
	if int64(len(data)) > s.config.MaxMessageSize {
		s.logger.Info("message too large", zap.String("session", c.id), zap.Int("size", len(data)))
		_ = c.writeClose(ws.StatusMessageTooBig, "message too large")
		s.RemoveConnection(c)
		return
	}
	if len(data) == 0 {
		return
	}

	switch c.state.Load() {
	case stateUnauthenticated:
		s.authenticateFrame(c, data)
	case stateAuthenticated:
		if err := s.handler.Dispatch(c, data); err != nil {
			s.rejectAuth(c, err)
		}
	}
}

// authenticateFrame handles the first frame of a pending connection, which
// must be an authenticate event.
func (s *Server) authenticateFrame(c *Connection, data []byte) {
	event, payload, err := protocol.ParseClientMessage(data)
	if err != nil || event != protocol.EventAuthenticate {
		if c.abandon() {
			s.rejectAuth(c, fmt.Errorf("%w: first event must be %s", auth.ErrTokenMissing, protocol.EventAuthenticate))
		}
		return
	}

	p, err := s.authenticate(payload.(*protocol.AuthenticatePayload).Token)
	if err != nil {
		if c.abandon() {
			s.rejectAuth(c, err)
		}
		return
	}
	if !s.accept(c, p) {
		s.RemoveConnection(c)
	}
}

// RemoveConnection unregisters a connection from epoll, the connection
// manager and, if it was authenticated, the gateway, then closes it. It is
// safe to call more than once.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c)
	prior := c.markClosed()

	if !s.conns.Remove(c.id) {
		_ = c.Close()
		return
	}
	if prior == stateAuthenticated {
		s.handler.Disconnect(c)
		metrics.Connections.Dec()
	}

	s.logger.Debug("connection closed", zap.String("session", c.id), zap.Int("total", s.conns.Count()))
}

// Connections returns the ConnectionManager for external access to connection
// state.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, closes all active connections,
// and cleans up the epoll instance.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.closeOnce.Do(func() { close(s.done) })

	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		s.logger.Warn("http shutdown error", zap.Error(err))
	}

	for _, c := range s.conns.All() {
		_ = c.writeClose(ws.StatusGoingAway, "server shutting down")
		s.RemoveConnection(c)
	}
	_ = s.epoll.Close()

	s.logger.Info("server stopped, all connections closed")
	return err
}
