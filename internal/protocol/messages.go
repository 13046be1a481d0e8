// Package protocol defines the WebSocket events exchanged between chat clients
// and the server. Every frame is a JSON envelope {"event": ..., "data": ...};
// inbound payloads are decoded into typed structs and validated once here so
// handlers only ever see well-formed input.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/teamchat/chat-app/internal/apperr"
)

// ---------------------------------------------------------------------------
// Event names
// ---------------------------------------------------------------------------

// Client -> Server events.
const (
	EventAuthenticate     = "authenticate"
	EventCreateChat       = "create_chat"
	EventSendMessage      = "send_message"
	EventJoinChat         = "join_chat"
	EventFetchChatHistory = "fetch_chat_history"
	EventAddChatMembers   = "add_chat_members"
	EventDeleteChat       = "delete_chat"
	EventListChats        = "list_chats"
	EventPing             = "ping"
)

// Server -> Client events.
const (
	EventConnected           = "connected"
	EventAuthenticationError = "authentication_error"
	EventChatCreated         = "chat_created"
	EventNewChatCreated      = "new_chat_created"
	EventChatCreationError   = "chat_creation_error"
	EventReceiveMessage      = "receive_message"
	EventMessageSent         = "message_sent"
	EventSendMessageError    = "send_message_error"
	EventChatHistory         = "chat_history"
	EventChatHistoryError    = "chat_history_error"
	EventJoinChatError       = "join_chat_error"
	EventChatMembersAdded    = "chat_members_added"
	EventAddedToChat         = "added_to_chat"
	EventAddChatMembersError = "add_chat_members_error"
	EventChatDeleted         = "chat_deleted"
	EventDeleteChatError     = "delete_chat_error"
	EventChatList            = "chat_list"
	EventListChatsError      = "list_chats_error"
	EventRateLimited         = "rate_limited"
	EventError               = "error"
	EventPong                = "pong"
)

var (
	ErrInvalidPayload   = apperr.New(apperr.KindValidation, "INVALID_PAYLOAD", "invalid payload")
	ErrUnsupportedEvent = apperr.New(apperr.KindValidation, "UNSUPPORTED_EVENT", "unsupported event")
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope is the wire frame. Data is decoded lazily once Event is known.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// outbound mirrors Envelope for encoding arbitrary payloads.
type outbound struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// AuthenticatePayload carries a token for connections that did not present
// one during the handshake.
type AuthenticatePayload struct {
	Token string `json:"token" validate:"required"`
}

// CreateChatPayload requests a new chat. The creator is implicit.
type CreateChatPayload struct {
	Type      string     `json:"type"`
	Name      string     `json:"name,omitempty" validate:"max=255"`
	MemberIDs StringList `json:"memberIds" validate:"dive,omitempty,uuid"`
}

// SendMessagePayload posts a message to a chat. SenderID, when present, must
// match the authenticated user; ReceiverID may be omitted for direct chats.
type SendMessagePayload struct {
	ChatID     string `json:"chatId" validate:"required,uuid"`
	SenderID   string `json:"senderId,omitempty" validate:"omitempty,uuid"`
	ReceiverID string `json:"receiverId,omitempty" validate:"omitempty,uuid"`
	Content    string `json:"content"`
}

// ChatRef names a chat. It decodes from a bare id string or {"chatId": ...}.
type ChatRef struct {
	ChatID string `json:"chatId" validate:"required,uuid"`
}

// UnmarshalJSON accepts both the string and the object form.
func (c *ChatRef) UnmarshalJSON(data []byte) error {
	if s, ok, err := decodeString(data); ok || err != nil {
		c.ChatID = s
		return err
	}
	type plain ChatRef
	return json.Unmarshal(data, (*plain)(c))
}

// FetchHistoryPayload selects a page of a chat's history. It also decodes
// from a bare chat id string.
type FetchHistoryPayload struct {
	ChatID string `json:"chatId" validate:"required,uuid"`
	Offset int    `json:"offset" validate:"min=0"`
	Limit  int    `json:"limit" validate:"min=0"`
}

// UnmarshalJSON accepts both the string and the object form.
func (f *FetchHistoryPayload) UnmarshalJSON(data []byte) error {
	if s, ok, err := decodeString(data); ok || err != nil {
		f.ChatID = s
		return err
	}
	type plain FetchHistoryPayload
	return json.Unmarshal(data, (*plain)(f))
}

// AddChatMembersPayload adds users to a group chat.
type AddChatMembersPayload struct {
	ChatID    string     `json:"chatId" validate:"required,uuid"`
	MemberIDs StringList `json:"memberIds" validate:"min=1,dive,uuid"`
}

// StringList decodes from a JSON array of strings, a single string, or null.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler.
func (l *StringList) UnmarshalJSON(data []byte) error {
	if s, ok, err := decodeString(data); ok || err != nil {
		if s == "" {
			*l = nil
		} else {
			*l = StringList{s}
		}
		return err
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*l = list
	return nil
}

func decodeString(data []byte) (string, bool, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return "", true, err
	}
	return s, true, nil
}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// ConnectedPayload confirms a successful authentication.
type ConnectedPayload struct {
	Success bool   `json:"success"`
	UserID  string `json:"userId"`
	Role    string `json:"role"`
}

// AuthErrorPayload reports why a connection was refused. It is always
// followed by the server closing the connection.
type AuthErrorPayload struct {
	Success bool   `json:"success"`
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ErrorPayload reports a failed client event.
type ErrorPayload struct {
	Success bool   `json:"success"`
	Event   string `json:"event"`
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MembersAddedPayload answers add_chat_members.
type MembersAddedPayload struct {
	Chat  interface{} `json:"chat"`
	Added []string    `json:"added"`
}

// ChatDeletedPayload announces a soft-deleted chat.
type ChatDeletedPayload struct {
	ChatID    string `json:"chatId"`
	DeletedBy string `json:"deletedBy"`
}

// ChatListPayload answers list_chats.
type ChatListPayload struct {
	Chats interface{} `json:"chats"`
}

// RateLimitedPayload is sent instead of handling a throttled event.
type RateLimitedPayload struct {
	Event      string `json:"event"`
	RetryAfter int    `json:"retryAfter"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage decodes a raw frame into its event name and typed,
// validated payload. The event name is returned whenever the envelope could
// be read, even if the payload is rejected.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("%w: malformed frame", ErrInvalidPayload)
	}
	if env.Event == "" {
		return "", nil, fmt.Errorf("%w: missing \"event\" field", ErrInvalidPayload)
	}

	var msg interface{}
	switch env.Event {
	case EventAuthenticate:
		msg = &AuthenticatePayload{}
	case EventCreateChat:
		msg = &CreateChatPayload{}
	case EventSendMessage:
		msg = &SendMessagePayload{}
	case EventJoinChat, EventDeleteChat:
		msg = &ChatRef{}
	case EventFetchChatHistory:
		msg = &FetchHistoryPayload{}
	case EventAddChatMembers:
		msg = &AddChatMembersPayload{}
	case EventListChats, EventPing:
		return env.Event, nil, nil
	default:
		return env.Event, nil, fmt.Errorf("%w: %q", ErrUnsupportedEvent, env.Event)
	}

	if len(env.Data) == 0 || bytes.Equal(bytes.TrimSpace(env.Data), []byte("null")) {
		return env.Event, nil, fmt.Errorf("%w: %s requires data", ErrInvalidPayload, env.Event)
	}
	if err := json.Unmarshal(env.Data, msg); err != nil {
		return env.Event, nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Event, err)
	}
	if err := Validate(msg); err != nil {
		return env.Event, nil, err
	}
	return env.Event, msg, nil
}

// NewServerMessage encodes payload under event.
func NewServerMessage(event string, payload interface{}) ([]byte, error) {
	out, err := json.Marshal(outbound{Event: event, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %s: %w", event, err)
	}
	return out, nil
}
