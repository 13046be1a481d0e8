// Package message is the append-only log of chat messages. Appends validate
// that the chat, sender and receiver exist; authorization is the caller's
// job. History is ordered by send time with insertion order breaking ties.
package message

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teamchat/chat-app/internal/apperr"
)

// Message is one stored chat message. Seq is assigned by the store and
// increases with insertion order.
type Message struct {
	ID         string    `json:"id"`
	ChatID     string    `json:"chatId"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId,omitempty"`
	Content    string    `json:"content"`
	SentAt     time.Time `json:"sentAt"`
	Seq        int64     `json:"-"`
}

var (
	ErrChatNotFound     = apperr.New(apperr.KindNotFound, "CHAT_NOT_FOUND", "chat not found")
	ErrSenderNotFound   = apperr.New(apperr.KindNotFound, "SENDER_NOT_FOUND", "sender not found")
	ErrReceiverNotFound = apperr.New(apperr.KindNotFound, "RECEIVER_NOT_FOUND", "receiver not found")
	ErrEmptyContent     = apperr.New(apperr.KindValidation, "EMPTY_CONTENT", "message content is empty")
	ErrContentTooLong   = apperr.New(apperr.KindValidation, "CONTENT_TOO_LONG", "message content is too long")
	ErrInvalidContent   = apperr.New(apperr.KindValidation, "INVALID_PAYLOAD", "message content is invalid")
)

// Store persists messages.
//
// ChatExists is false for soft-deleted chats. AppendMessage assigns Seq.
// ListMessages orders by (SentAt, Seq) ascending.
type Store interface {
	ChatExists(ctx context.Context, chatID string) (bool, error)
	UserExists(ctx context.Context, userID string) (bool, error)
	AppendMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, chatID string, offset, limit int) ([]Message, error)
}

// Page selects a window of a chat's history.
type Page struct {
	Offset int
	Limit  int
}

// History is one page of messages plus whether more follow.
type History struct {
	ChatID   string    `json:"chatId"`
	Offset   int       `json:"offset"`
	Limit    int       `json:"limit"`
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
}

// Config bounds history pages.
type Config struct {
	DefaultPageSize int
	MaxPageSize     int
}

// DefaultConfig returns the standard page sizes.
func DefaultConfig() Config {
	return Config{DefaultPageSize: 50, MaxPageSize: 200}
}

// Log implements append and history on top of a Store.
type Log struct {
	store  Store
	config Config
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the time source used for sentAt.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// NewLog creates a Log.
func NewLog(store Store, config Config, logger *zap.Logger, opts ...Option) *Log {
	if config.DefaultPageSize <= 0 {
		config.DefaultPageSize = DefaultConfig().DefaultPageSize
	}
	if config.MaxPageSize < config.DefaultPageSize {
		config.MaxPageSize = config.DefaultPageSize
	}
	l := &Log{store: store, config: config, logger: logger.Named("message"), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append stores a message. receiverID may be empty for group messages.
func (l *Log) Append(ctx context.Context, chatID, senderID, receiverID, content string) (Message, error) {
	if err := ValidateContent(content); err != nil {
		return Message{}, err
	}

	ok, err := l.store.ChatExists(ctx, chatID)
	if err != nil {
		return Message{}, err
	}
	if !ok {
		return Message{}, ErrChatNotFound
	}

	if ok, err = l.store.UserExists(ctx, senderID); err != nil {
		return Message{}, err
	} else if !ok {
		return Message{}, ErrSenderNotFound
	}

	if receiverID != "" {
		if ok, err = l.store.UserExists(ctx, receiverID); err != nil {
			return Message{}, err
		} else if !ok {
			return Message{}, ErrReceiverNotFound
		}
	}

	m := Message{
		ID:         uuid.NewString(),
		ChatID:     chatID,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		SentAt:     l.now().UTC(),
	}
	if err := l.store.AppendMessage(ctx, &m); err != nil {
		return Message{}, err
	}

	l.logger.Debug("message appended", zap.String("chat", chatID), zap.String("message", m.ID))
	return m, nil
}

// History returns one page of chatID's messages, oldest first. Limit is
// clamped to the configured maximum; a zero limit means the default.
func (l *Log) History(ctx context.Context, chatID string, page Page) (History, error) {
	page = l.normalize(page)

	ok, err := l.store.ChatExists(ctx, chatID)
	if err != nil {
		return History{}, err
	}
	if !ok {
		return History{}, ErrChatNotFound
	}

	// One extra row tells us whether another page follows.
	msgs, err := l.store.ListMessages(ctx, chatID, page.Offset, page.Limit+1)
	if err != nil {
		return History{}, err
	}
	hasMore := len(msgs) > page.Limit
	if hasMore {
		msgs = msgs[:page.Limit]
	}
	if msgs == nil {
		msgs = []Message{}
	}
	return History{
		ChatID:   chatID,
		Offset:   page.Offset,
		Limit:    page.Limit,
		Messages: msgs,
		HasMore:  hasMore,
	}, nil
}

func (l *Log) normalize(p Page) Page {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = l.config.DefaultPageSize
	}
	if p.Limit > l.config.MaxPageSize {
		p.Limit = l.config.MaxPageSize
	}
	return p
}
