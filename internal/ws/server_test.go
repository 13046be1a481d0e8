package ws

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teamchat/chat-app/internal/auth"
	"github.com/teamchat/chat-app/internal/chat"
	"github.com/teamchat/chat-app/internal/gateway"
	"github.com/teamchat/chat-app/internal/message"
	"github.com/teamchat/chat-app/internal/protocol"
	"github.com/teamchat/chat-app/internal/registry"
	"github.com/teamchat/chat-app/internal/storage/memory"
	"github.com/teamchat/chat-app/internal/user"
)

var testSecret = []byte("test-secret")

type testEnv struct {
	addr     string
	server   *Server
	store    *memory.Store
	registry *registry.Registry
	issuer   *auth.Issuer
}

func testConfig() ServerConfig {
	cfg := DefaultServerConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.WorkerPoolSize = 8
	cfg.AuthTimeout = time.Second
	cfg.Heartbeat = HeartbeatConfig{}
	return cfg
}

func startServer(t *testing.T, cfg ServerConfig, opts ...gateway.Option) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	store := memory.New()
	reg := registry.New()
	gw := gateway.New(gateway.Config{},
		chat.NewDirectory(store, store, logger),
		message.NewLog(store, message.DefaultConfig(), logger),
		reg, logger, opts...)
	authn := auth.NewAuthenticator(auth.Config{Secret: testSecret, Timeout: time.Second}, store)

	srv, err := NewServer(cfg, authn, gw, logger)
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	return &testEnv{
		addr:     ln.Addr().String(),
		server:   srv,
		store:    store,
		registry: reg,
		issuer:   auth.NewIssuer(testSecret, ""),
	}
}

func (e *testEnv) user(t *testing.T, role auth.Role) (string, string) {
	t.Helper()
	id := uuid.NewString()
	e.store.AddUser(user.User{ID: id, Name: "user-" + id[:8], Role: role})
	token, err := e.issuer.Issue(id, time.Hour)
	require.NoError(t, err)
	return id, token
}

// ---------------------------------------------------------------------------
// Test client
// ---------------------------------------------------------------------------

type client struct {
	t    *testing.T
	conn net.Conn
	rw   io.ReadWriter
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (e *testEnv) dial(t *testing.T, query string, header http.Header) (*client, error) {
	t.Helper()
	d := ws.Dialer{Header: ws.HandshakeHeaderHTTP(header), Timeout: 2 * time.Second}
	conn, br, _, err := d.Dial(context.Background(), "ws://"+e.addr+"/ws"+query)
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() { _ = conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	return &client{t: t, conn: conn, rw: struct {
		io.Reader
		io.Writer
	}{r, conn}}, nil
}

func (c *client) send(event string, data interface{}) {
	c.t.Helper()
	raw, err := json.Marshal(map[string]interface{}{"event": event, "data": data})
	require.NoError(c.t, err)
	require.NoError(c.t, wsutil.WriteClientMessage(c.conn, ws.OpText, raw))
}

func (c *client) read() (frame, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	data, err := wsutil.ReadServerText(c.rw)
	if err != nil {
		return frame{}, err
	}
	var f frame
	return f, json.Unmarshal(data, &f)
}

// expect reads frames until one named event arrives and decodes its data.
func (c *client) expect(event string, v interface{}) {
	c.t.Helper()
	for {
		f, err := c.read()
		require.NoError(c.t, err, "waiting for %s", event)
		if f.Event != event {
			continue
		}
		if v != nil {
			require.NoError(c.t, json.Unmarshal(f.Data, v))
		}
		return
	}
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": []string{"Bearer " + token}}
}

// ---------------------------------------------------------------------------
// Test: Authentication
// ---------------------------------------------------------------------------

func TestHandshakeTokenAuthenticates(t *testing.T) {
	req := require.New(t)
	env := startServer(t, testConfig())
	id, token := env.user(t, auth.RoleEmployee)

	// When connecting with a bearer token
	c, err := env.dial(t, "", bearer(token))
	req.NoError(err)

	// Then the server confirms the identity and answers pings
	var connected protocol.ConnectedPayload
	c.expect(protocol.EventConnected, &connected)
	req.True(connected.Success)
	req.Equal(id, connected.UserID)
	req.Equal("employee", connected.Role)

	c.send(protocol.EventPing, nil)
	c.expect(protocol.EventPong, nil)
	_, ok := env.registry.FindByUser(id)
	req.True(ok)
}

func TestQueryTokenAuthenticates(t *testing.T) {
	env := startServer(t, testConfig())
	id, token := env.user(t, auth.RoleManager)

	c, err := env.dial(t, "?token="+token, nil)
	require.NoError(t, err)

	var connected protocol.ConnectedPayload
	c.expect(protocol.EventConnected, &connected)
	require.Equal(t, id, connected.UserID)
}

func TestAuthenticateFrame(t *testing.T) {
	req := require.New(t)
	env := startServer(t, testConfig())
	id, token := env.user(t, auth.RoleAdmin)

	// Given a connection without a handshake token
	c, err := env.dial(t, "", nil)
	req.NoError(err)

	// When the first frame authenticates
	c.send(protocol.EventAuthenticate, map[string]string{"token": token})

	// Then it is accepted
	var connected protocol.ConnectedPayload
	c.expect(protocol.EventConnected, &connected)
	req.Equal(id, connected.UserID)
	req.Equal("admin", connected.Role)
}

func TestFirstFrameMustAuthenticate(t *testing.T) {
	req := require.New(t)
	env := startServer(t, testConfig())

	c, err := env.dial(t, "", nil)
	req.NoError(err)

	c.send(protocol.EventListChats, nil)

	var rejected protocol.AuthErrorPayload
	c.expect(protocol.EventAuthenticationError, &rejected)
	req.False(rejected.Success)
	req.Equal("unauthorized", rejected.Type)
	_, err = c.read()
	req.Error(err, "connection should be closed")
}

func TestAuthenticationTimeout(t *testing.T) {
	req := require.New(t)
	cfg := testConfig()
	cfg.AuthTimeout = 100 * time.Millisecond
	env := startServer(t, cfg)

	c, err := env.dial(t, "", nil)
	req.NoError(err)

	var rejected protocol.AuthErrorPayload
	c.expect(protocol.EventAuthenticationError, &rejected)
	req.Equal("invalid_token", rejected.Type)
	req.Equal("INVALID_TOKEN", rejected.Code)
	req.Eventually(func() bool { return env.server.Connections().Count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestRejectedTokens(t *testing.T) {
	env := startServer(t, testConfig())
	id, _ := env.user(t, auth.RoleEmployee)
	expired, err := env.issuer.Issue(id, -time.Minute)
	require.NoError(t, err)
	stranger, err := env.issuer.Issue(uuid.NewString(), time.Hour)
	require.NoError(t, err)

	cases := []struct {
		name  string
		token string
		typ   string
	}{
		{"expired", expired, "token_expired"},
		{"garbage", "not.a.jwt", "invalid_token"},
		{"unknown user", stranger, "unauthorized"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := require.New(t)
			c, err := env.dial(t, "", bearer(tc.token))
			req.NoError(err)

			var rejected protocol.AuthErrorPayload
			c.expect(protocol.EventAuthenticationError, &rejected)
			req.Equal(tc.typ, rejected.Type)
			_, err = c.read()
			req.Error(err)
		})
	}
	require.Equal(t, 0, env.registry.Count())
}

func TestOriginAllowList(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	env := startServer(t, cfg)
	_, token := env.user(t, auth.RoleEmployee)

	h := bearer(token)
	h.Set("Origin", "https://evil.example.com")
	_, err := env.dial(t, "", h)
	require.Error(t, err)

	h.Set("Origin", "https://app.example.com")
	c, err := env.dial(t, "", h)
	require.NoError(t, err)
	c.expect(protocol.EventConnected, nil)
}

// ---------------------------------------------------------------------------
// Test: Chat over the wire
// ---------------------------------------------------------------------------

func TestDirectChatEndToEnd(t *testing.T) {
	req := require.New(t)
	env := startServer(t, testConfig())
	u1, t1 := env.user(t, auth.RoleEmployee)
	u2, t2 := env.user(t, auth.RoleEmployee)

	c1, err := env.dial(t, "", bearer(t1))
	req.NoError(err)
	c1.expect(protocol.EventConnected, nil)
	c2, err := env.dial(t, "", bearer(t2))
	req.NoError(err)
	c2.expect(protocol.EventConnected, nil)

	// u1 creates the chat; u2 is told about it and joins
	c1.send(protocol.EventCreateChat, map[string]interface{}{"type": "direct", "memberIds": []string{u2}})
	var created chat.Chat
	c1.expect(protocol.EventChatCreated, &created)
	var announced chat.Chat
	c2.expect(protocol.EventNewChatCreated, &announced)
	req.Equal(created.ID, announced.ID)

	c2.send(protocol.EventJoinChat, created.ID)
	var history message.History
	c2.expect(protocol.EventChatHistory, &history)
	req.Empty(history.Messages)

	// u1 sends; both sides receive it through the room
	c1.send(protocol.EventSendMessage, map[string]interface{}{"chatId": created.ID, "senderId": u1, "receiverId": u2, "content": "hello"})
	var got message.Message
	c2.expect(protocol.EventReceiveMessage, &got)
	req.Equal("hello", got.Content)
	req.Equal(u1, got.SenderID)
	c1.expect(protocol.EventReceiveMessage, &got)
}

func TestExpiredTokenClosesConnectionOnSend(t *testing.T) {
	req := require.New(t)
	var skew atomic.Int64
	env := startServer(t, testConfig(), gateway.WithClock(func() time.Time {
		return time.Now().Add(time.Duration(skew.Load()))
	}))
	u1, t1 := env.user(t, auth.RoleEmployee)
	u2, _ := env.user(t, auth.RoleEmployee)

	// Given a connected client with a chat
	c, err := env.dial(t, "", bearer(t1))
	req.NoError(err)
	c.expect(protocol.EventConnected, nil)
	c.send(protocol.EventCreateChat, map[string]interface{}{"type": "direct", "memberIds": []string{u2}})
	var created chat.Chat
	c.expect(protocol.EventChatCreated, &created)

	// When its token has expired and it sends a message
	skew.Store(int64(2 * time.Hour))
	c.send(protocol.EventSendMessage, map[string]interface{}{"chatId": created.ID, "content": "after expiry"})

	// Then it is told the token expired and disconnected
	var rejected protocol.AuthErrorPayload
	c.expect(protocol.EventAuthenticationError, &rejected)
	req.Equal("token_expired", rejected.Type)
	req.Equal("TOKEN_EXPIRED", rejected.Code)
	_, err = c.read()
	req.Error(err)
	req.Eventually(func() bool {
		_, ok := env.registry.FindByUser(u1)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	stored, err := env.store.ListMessages(context.Background(), created.ID, 0, 10)
	req.NoError(err)
	req.Empty(stored)
}

func TestDisconnectUnregisters(t *testing.T) {
	req := require.New(t)
	env := startServer(t, testConfig())
	id, token := env.user(t, auth.RoleEmployee)

	c, err := env.dial(t, "", bearer(token))
	req.NoError(err)
	c.expect(protocol.EventConnected, nil)

	req.NoError(ws.WriteFrame(c.conn, ws.MaskFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))))

	req.Eventually(func() bool {
		_, ok := env.registry.FindByUser(id)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHeartbeatDropsSilentConnection(t *testing.T) {
	req := require.New(t)
	cfg := testConfig()
	cfg.Heartbeat = HeartbeatConfig{Interval: 50 * time.Millisecond, Timeout: 50 * time.Millisecond}
	env := startServer(t, cfg)
	id, token := env.user(t, auth.RoleEmployee)

	// Given an authenticated client that stops reading, so pings go unanswered
	c, err := env.dial(t, "", bearer(token))
	req.NoError(err)
	c.expect(protocol.EventConnected, nil)

	// Then the heartbeat removes it
	req.Eventually(func() bool {
		_, ok := env.registry.FindByUser(id)
		return !ok && env.server.Connections().Count() == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestHealthEndpoint(t *testing.T) {
	req := require.New(t)
	env := startServer(t, testConfig())

	resp, err := http.Get("http://" + env.addr + "/health")
	req.NoError(err)
	defer resp.Body.Close()

	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	req.Equal(http.StatusOK, resp.StatusCode)
	req.NoError(json.NewDecoder(resp.Body).Decode(&body))
	req.Equal("ok", body.Status)
	req.Equal(0, body.Connections)
}
