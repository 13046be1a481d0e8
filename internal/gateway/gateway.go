// Package gateway turns authenticated client frames into chat operations. It
// owns the per-event handlers, authorization before persistence, fan-out
// through the connection registry, and the conversion of every failure into
// an error event addressed to the originating client only.
package gateway

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teamchat/chat-app/internal/apperr"
	"github.com/teamchat/chat-app/internal/auth"
	"github.com/teamchat/chat-app/internal/chat"
	"github.com/teamchat/chat-app/internal/message"
	"github.com/teamchat/chat-app/internal/metrics"
	"github.com/teamchat/chat-app/internal/protocol"
	"github.com/teamchat/chat-app/internal/ratelimit"
	"github.com/teamchat/chat-app/internal/registry"
)

var (
	ErrSenderMismatch       = apperr.New(apperr.KindAuthorization, "SENDER_MISMATCH", "senderId does not match the authenticated user")
	ErrAlreadyAuthenticated = apperr.New(apperr.KindValidation, "ALREADY_AUTHENTICATED", "connection is already authenticated")
	ErrRateLimited          = apperr.New(apperr.KindRateLimited, "RATE_LIMITED", "too many requests")
)

// Client is an authenticated connection as seen by the gateway.
type Client interface {
	registry.Handle
	Principal() auth.Principal
}

// Events receives chat domain events after they are persisted. Implementations
// must not block for long and must not fail the request.
type Events interface {
	ChatCreated(ctx context.Context, c chat.Chat)
	MessageAppended(ctx context.Context, m message.Message)
	MembersAdded(ctx context.Context, c chat.Chat, added []string)
	ChatDeleted(ctx context.Context, c chat.Chat, actorID string)
}

// NopEvents discards all events.
type NopEvents struct{}

func (NopEvents) ChatCreated(context.Context, chat.Chat) {}
func (NopEvents) MessageAppended(context.Context, message.Message) {}
func (NopEvents) MembersAdded(context.Context, chat.Chat, []string) {}
func (NopEvents) ChatDeleted(context.Context, chat.Chat, string) {}

// Limiter throttles events per identity.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Config tunes the gateway.
type Config struct {
	EventTimeout time.Duration // 0 disables the per-event deadline
}

// Gateway wires the chat components to client connections.
type Gateway struct {
	config     Config
	directory  *chat.Directory
	log        *message.Log
	registry   *registry.Registry
	limiter    Limiter
	events     Events
	now        func() time.Time
	logger     *zap.Logger
	dispatcher *Dispatcher
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLimiter enables rate limiting of chat creation and messages.
func WithLimiter(l Limiter) Option {
	return func(g *Gateway) { g.limiter = l }
}

// WithClock overrides the time source used for token expiry checks.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithEvents publishes domain events to e.
func WithEvents(e Events) Option {
	return func(g *Gateway) { g.events = e }
}

// New creates a Gateway and registers its handlers.
func New(config Config, directory *chat.Directory, log *message.Log, reg *registry.Registry, logger *zap.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		config:    config,
		directory: directory,
		log:       log,
		registry:  reg,
		events:    NopEvents{},
		now:       time.Now,
		logger:    logger.Named("gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}

	d := NewDispatcher(g.logger)
	d.Register(protocol.EventCreateChat, protocol.EventChatCreationError, g.handleCreateChat)
	d.Register(protocol.EventSendMessage, protocol.EventSendMessageError, g.handleSendMessage)
	d.Register(protocol.EventJoinChat, protocol.EventJoinChatError, g.handleJoinChat)
	d.Register(protocol.EventFetchChatHistory, protocol.EventChatHistoryError, g.handleFetchHistory)
	d.Register(protocol.EventAddChatMembers, protocol.EventAddChatMembersError, g.handleAddMembers)
	d.Register(protocol.EventDeleteChat, protocol.EventDeleteChatError, g.handleDeleteChat)
	d.Register(protocol.EventListChats, protocol.EventListChatsError, g.handleListChats)
	d.Register(protocol.EventAuthenticate, protocol.EventError, g.handleAuthenticate)
	g.dispatcher = d
	return g
}

// Connect records an authenticated client in the registry.
func (g *Gateway) Connect(c Client) {
	g.registry.Register(c.Principal(), c)
	g.logger.Debug("client registered", zap.String("session", c.ID()), zap.String("user", c.Principal().ID))
}

// Disconnect removes a client from the registry and all its rooms.
func (g *Gateway) Disconnect(c Client) {
	g.registry.Unregister(c)
	g.logger.Debug("client unregistered", zap.String("session", c.ID()), zap.String("user", c.Principal().ID))
}

// Dispatch handles one inbound frame from an authenticated client. It returns
// once the event has been fully processed. A non-nil error is an
// authentication failure; the caller must report it and close the connection.
func (g *Gateway) Dispatch(c Client, data []byte) error {
	ctx := context.Background()
	if g.config.EventTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.config.EventTimeout)
		defer cancel()
	}
	return g.dispatcher.Dispatch(ctx, c, data)
}

// requireLiveToken fails once the token c authenticated with has expired.
func (g *Gateway) requireLiveToken(c Client) error {
	if c.Principal().Expired(g.now()) {
		return auth.ErrTokenExpired
	}
	return nil
}

// allow applies rule to the client's user. Limiter failures let the request
// through.
func (g *Gateway) allow(ctx context.Context, c Client, event string, rule ratelimit.Rule) error {
	if g.limiter == nil {
		return nil
	}
	ok, err := g.limiter.Allow(ctx, c.Principal().ID, rule)
	if err != nil {
		g.logger.Warn("rate limiter unavailable", zap.String("event", event), zap.Error(err))
		return nil
	}
	if !ok {
		metrics.RateLimited.WithLabelValues(event).Inc()
		retry := rule.Window
		if r, ok := g.limiter.(retryAfterer); ok {
			retry = r.RetryAfter(ctx, c.Principal().ID, rule)
		}
		return &rateLimitError{event: event, retryAfter: retry}
	}
	return nil
}

type retryAfterer interface {
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// rateLimitError carries the retry hint for the rate_limited reply.
type rateLimitError struct {
	event      string
	retryAfter time.Duration
}

func (e *rateLimitError) Error() string { return ErrRateLimited.Message }
func (e *rateLimitError) Unwrap() error { return ErrRateLimited }

// send encodes and writes one event to c. Failures are logged; the transport
// notices dead connections on its own.
func (g *Gateway) send(c registry.Handle, event string, payload interface{}) {
	data, err := protocol.NewServerMessage(event, payload)
	if err != nil {
		g.logger.Error("encode event", zap.String("event", event), zap.Error(err))
		return
	}
	if err := c.Send(data); err != nil {
		g.logger.Debug("send failed", zap.String("event", event), zap.String("session", c.ID()), zap.Error(err))
	}
}

// notifyUser delivers an event to the user's most recent live connection, if
// any. Offline users are skipped.
func (g *Gateway) notifyUser(userID, event string, payload interface{}) bool {
	h, ok := g.registry.FindByUser(userID)
	if !ok {
		return false
	}
	g.send(h, event, payload)
	return true
}
