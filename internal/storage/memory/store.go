// Package memory is an in-process implementation of the chat, message and
// user directory stores. It backs STORE_DRIVER=memory and the tests of the
// packages above it. Transactions are serialized and rolled back through an
// undo log.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/teamchat/chat-app/internal/auth"
	"github.com/teamchat/chat-app/internal/chat"
	"github.com/teamchat/chat-app/internal/message"
	"github.com/teamchat/chat-app/internal/user"
)

// Store holds everything in maps guarded by mu. txMu serializes WithTx.
type Store struct {
	txMu sync.Mutex

	mu       sync.RWMutex
	users    map[string]user.User
	chats    map[string]chat.Chat // Members kept in members
	members  map[string][]chat.Membership
	messages map[string][]message.Message
	seq      int64
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		users:    make(map[string]user.User),
		chats:    make(map[string]chat.Chat),
		members:  make(map[string][]chat.Membership),
		messages: make(map[string][]message.Message),
	}
}

// AddUser inserts or replaces a user.
func (s *Store) AddUser(u user.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.Status == "" {
		u.Status = user.StatusActive
	}
	s.users[u.ID] = u
}

// ---------------------------------------------------------------------------
// User directory
// ---------------------------------------------------------------------------

// ResolvePrincipals returns the principals of the active users in ids.
func (s *Store) ResolvePrincipals(ctx context.Context, ids []string) ([]auth.Principal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]auth.Principal, 0, len(ids))
	for _, id := range ids {
		if u, ok := s.users[id]; ok && u.Active() {
			out = append(out, u.Principal())
		}
	}
	return out, nil
}

// UserExists reports whether userID is an active user.
func (s *Store) UserExists(ctx context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	return ok && u.Active(), nil
}

// ---------------------------------------------------------------------------
// Chats and memberships
// ---------------------------------------------------------------------------

// WithTx runs fn with exclusive access to the store. Changes made through the
// Tx are undone when fn returns an error.
func (s *Store) WithTx(ctx context.Context, fn func(tx chat.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// GetChat returns the chat with its members.
func (s *Store) GetChat(ctx context.Context, id string) (chat.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getChat(id)
}

// IsMember reports whether userID belongs to the non-deleted chat chatID.
func (s *Store) IsMember(ctx context.Context, chatID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chats[chatID]
	if !ok || c.Deleted {
		return false, nil
	}
	for _, m := range s.members[chatID] {
		if m.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

// ListChatsByUser returns userID's non-deleted chats, newest first.
func (s *Store) ListChatsByUser(ctx context.Context, userID string) ([]chat.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []chat.Chat
	for id, c := range s.chats {
		if c.Deleted {
			continue
		}
		for _, m := range s.members[id] {
			if m.UserID == userID {
				c, _ := s.getChat(id)
				out = append(out, c)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) getChat(id string) (chat.Chat, error) {
	c, ok := s.chats[id]
	if !ok {
		return chat.Chat{}, chat.ErrChatNotFound
	}
	c.Members = append([]chat.Membership(nil), s.members[id]...)
	return c, nil
}

func sameMembers(ms []chat.Membership, a, b string) bool {
	if len(ms) != 2 {
		return false
	}
	x, y := ms[0].UserID, ms[1].UserID
	return (x == a && y == b) || (x == b && y == a)
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// ChatExists reports whether chatID is a non-deleted chat.
func (s *Store) ChatExists(ctx context.Context, chatID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[chatID]
	return ok && !c.Deleted, nil
}

// AppendMessage stores m and assigns its Seq. SentAt is raised to the
// chat's latest message when the caller's clock is behind it.
func (s *Store) AppendMessage(ctx context.Context, m *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[m.ChatID]; !ok {
		return fmt.Errorf("memory: append message: %w", message.ErrChatNotFound)
	}
	if prior := s.messages[m.ChatID]; len(prior) > 0 {
		if last := prior[len(prior)-1].SentAt; m.SentAt.Before(last) {
			m.SentAt = last
		}
	}
	s.seq++
	m.Seq = s.seq
	s.messages[m.ChatID] = append(s.messages[m.ChatID], *m)
	return nil
}

// ListMessages returns a window of chatID's messages ordered by (SentAt, Seq).
func (s *Store) ListMessages(ctx context.Context, chatID string, offset, limit int) ([]message.Message, error) {
	s.mu.RLock()
	all := append([]message.Message(nil), s.messages[chatID]...)
	s.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].SentAt.Equal(all[j].SentAt) {
			return all[i].Seq < all[j].Seq
		}
		return all[i].SentAt.Before(all[j].SentAt)
	})
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}
