// Package chat owns chat entities and their memberships: the creation
// protocol (validation, role homogeneity, duplicate prevention inside one
// transaction), membership queries, adding members to groups and soft
// deletion.
package chat

import (
	"context"
	"time"

	"github.com/teamchat/chat-app/internal/apperr"
	"github.com/teamchat/chat-app/internal/auth"
)

// Type is the kind of a chat.
type Type string

const (
	TypeDirect Type = "direct"
	TypeGroup  Type = "group"
)

// Valid reports whether t is a known chat type.
func (t Type) Valid() bool {
	return t == TypeDirect || t == TypeGroup
}

// Chat is a direct or group conversation.
type Chat struct {
	ID        string       `json:"id"`
	Type      Type         `json:"type"`
	Name      string       `json:"name,omitempty"`
	CreatedBy string       `json:"createdBy"`
	CreatedAt time.Time    `json:"createdAt"`
	Deleted   bool         `json:"-"`
	Members   []Membership `json:"members"`
}

// MemberIDs returns the user ids of c's members in stored order.
func (c Chat) MemberIDs() []string {
	ids := make([]string, len(c.Members))
	for i, m := range c.Members {
		ids[i] = m.UserID
	}
	return ids
}

// HasMember reports whether userID is one of c's members.
func (c Chat) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// Membership records that a user belongs to a chat.
type Membership struct {
	ID       string    `json:"id"`
	ChatID   string    `json:"chatId"`
	UserID   string    `json:"userId"`
	JoinedAt time.Time `json:"joinedAt"`
}

// CreateRequest is the input of Directory.CreateChat.
type CreateRequest struct {
	Type      Type
	Name      string
	MemberIDs []string
}

var (
	ErrInvalidChatType         = apperr.New(apperr.KindValidation, "INVALID_CHAT_TYPE", "invalid chat type, must be one of: direct, group")
	ErrInvalidParticipantCount = apperr.New(apperr.KindValidation, "INVALID_PARTICIPANT_COUNT", "invalid participant count")
	ErrMissingChatName         = apperr.New(apperr.KindValidation, "MISSING_CHAT_NAME", "group chat must have a name")
	ErrParticipantsNotFound    = apperr.New(apperr.KindNotFound, "PARTICIPANTS_NOT_FOUND", "users not found")
	ErrRoleMismatch            = apperr.New(apperr.KindAuthorization, "ROLE_MISMATCH", "participants must have the same role")
	ErrDuplicateDirectChat     = apperr.New(apperr.KindConflict, "DUPLICATE_DIRECT_CHAT", "direct chat already exists")
	ErrDuplicateChatName       = apperr.New(apperr.KindConflict, "DUPLICATE_CHAT_NAME", "group chat with this name already exists")
	ErrChatNotFound            = apperr.New(apperr.KindNotFound, "CHAT_NOT_FOUND", "chat not found")
	ErrNotAMember              = apperr.New(apperr.KindAuthorization, "NOT_A_MEMBER", "you are not a member of this chat")
	ErrNotChatOwner            = apperr.New(apperr.KindAuthorization, "NOT_CHAT_OWNER", "only the chat creator can do this")
	ErrDirectChatImmutable     = apperr.New(apperr.KindValidation, "DIRECT_CHAT_IMMUTABLE", "direct chat membership cannot change")
)

// Store is the durable record of chats and memberships.
//
// GetChat returns ErrChatNotFound for unknown ids and returns soft-deleted
// chats with Deleted set. IsMember is false for soft-deleted chats.
// ListChatsByUser omits soft-deleted chats.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	GetChat(ctx context.Context, id string) (Chat, error)
	IsMember(ctx context.Context, chatID, userID string) (bool, error)
	ListChatsByUser(ctx context.Context, userID string) ([]Chat, error)
}

// Tx is a unit of work against Store. Everything done through a Tx commits
// together or not at all.
//
// Lock serializes transactions that use the same key until the enclosing
// transaction ends. FindDirectChat matches a non-deleted direct chat whose
// member set is exactly {a, b}. FindGroupChat matches a non-deleted group chat
// by name. InsertChat stores the chat together with its Members and fails
// with ErrDuplicateDirectChat or ErrDuplicateChatName when a concurrent writer
// got there first.
type Tx interface {
	Lock(ctx context.Context, key string) error
	FindDirectChat(ctx context.Context, a, b string) (string, bool, error)
	FindGroupChat(ctx context.Context, name string) (string, bool, error)
	InsertChat(ctx context.Context, c Chat) error
	InsertMemberships(ctx context.Context, ms []Membership) error
	GetChat(ctx context.Context, id string) (Chat, error)
	MarkChatDeleted(ctx context.Context, id string) error
}

// PrincipalResolver is satisfied by the user directory.
type PrincipalResolver = auth.PrincipalLookup
