package messaging

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/teamchat/chat-app/internal/chat"
	"github.com/teamchat/chat-app/internal/message"
)

// Event types carried in ChatEvent.Type.
const (
	EventChatCreated     = "chat_created"
	EventMessageAppended = "message_appended"
	EventMembersAdded    = "members_added"
	EventChatDeleted     = "chat_deleted"
)

// ChatEvent is the payload published for every persisted chat change.
// Downstream services (export, notifications) consume it from NATS.
type ChatEvent struct {
	Type    string           `json:"type"`
	ChatID  string           `json:"chatId"`
	ActorID string           `json:"actorId,omitempty"`
	Chat    *chat.Chat       `json:"chat,omitempty"`
	Message *message.Message `json:"message,omitempty"`
	Added   []string         `json:"added,omitempty"`
	Ts      int64            `json:"ts"` // unix millis
}

// Publisher is the subset of Bus used to emit events.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// EventPublisher publishes chat domain events. Failures are logged and
// never surface to the caller.
type EventPublisher struct {
	pub    Publisher
	logger *zap.Logger
	now    func() time.Time
}

// NewEventPublisher creates an EventPublisher on top of pub.
func NewEventPublisher(pub Publisher, logger *zap.Logger) *EventPublisher {
	return &EventPublisher{pub: pub, logger: logger.Named("events"), now: time.Now}
}

// ChatCreated publishes to chat.created.
func (p *EventPublisher) ChatCreated(_ context.Context, c chat.Chat) {
	p.publish(SubjectChatCreated, ChatEvent{Type: EventChatCreated, ChatID: c.ID, ActorID: c.CreatedBy, Chat: &c})
}

// MessageAppended publishes to chat.<id>.message.
func (p *EventPublisher) MessageAppended(_ context.Context, m message.Message) {
	p.publish(ChatSubject(m.ChatID, "message"), ChatEvent{Type: EventMessageAppended, ChatID: m.ChatID, ActorID: m.SenderID, Message: &m})
}

// MembersAdded publishes to chat.<id>.members.
func (p *EventPublisher) MembersAdded(_ context.Context, c chat.Chat, added []string) {
	p.publish(ChatSubject(c.ID, "members"), ChatEvent{Type: EventMembersAdded, ChatID: c.ID, ActorID: c.CreatedBy, Chat: &c, Added: added})
}

// ChatDeleted publishes to chat.<id>.deleted.
func (p *EventPublisher) ChatDeleted(_ context.Context, c chat.Chat, actorID string) {
	p.publish(ChatSubject(c.ID, "deleted"), ChatEvent{Type: EventChatDeleted, ChatID: c.ID, ActorID: actorID})
}

func (p *EventPublisher) publish(subject string, ev ChatEvent) {
	ev.Ts = p.now().UnixMilli()
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("encode event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := p.pub.Publish(subject, data); err != nil {
		p.logger.Warn("publish event", zap.String("subject", subject), zap.Error(err))
	}
}
