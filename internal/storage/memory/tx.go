package memory

import (
	"context"
	"fmt"

	"github.com/teamchat/chat-app/internal/chat"
)

// memTx applies changes directly and remembers how to undo them. The
// caller holds Store.txMu for the whole transaction.
type memTx struct {
	s    *Store
	undo []func()
}

func (t *memTx) rollback() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

// Lock is a no-op: transactions are already serialized.
func (t *memTx) Lock(ctx context.Context, key string) error {
	return ctx.Err()
}

func (t *memTx) FindDirectChat(ctx context.Context, a, b string) (string, bool, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	for id, c := range t.s.chats {
		if c.Type != chat.TypeDirect || c.Deleted {
			continue
		}
		if sameMembers(t.s.members[id], a, b) {
			return id, true, nil
		}
	}
	return "", false, nil
}

func (t *memTx) FindGroupChat(ctx context.Context, name string) (string, bool, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	for id, c := range t.s.chats {
		if c.Type == chat.TypeGroup && !c.Deleted && c.Name == name {
			return id, true, nil
		}
	}
	return "", false, nil
}

func (t *memTx) InsertChat(ctx context.Context, c chat.Chat) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if _, ok := t.s.chats[c.ID]; ok {
		return fmt.Errorf("memory: insert chat %s: already exists", c.ID)
	}
	members := c.Members
	c.Members = nil
	t.s.chats[c.ID] = c
	t.undo = append(t.undo, func() {
		delete(t.s.chats, c.ID)
		delete(t.s.members, c.ID)
	})
	return t.insertMembershipsLocked(members)
}

func (t *memTx) InsertMemberships(ctx context.Context, ms []chat.Membership) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.insertMembershipsLocked(ms)
}

func (t *memTx) insertMembershipsLocked(ms []chat.Membership) error {
	for _, m := range ms {
		if _, ok := t.s.chats[m.ChatID]; !ok {
			return fmt.Errorf("memory: insert membership: %w", chat.ErrChatNotFound)
		}
		for _, existing := range t.s.members[m.ChatID] {
			if existing.UserID == m.UserID {
				return fmt.Errorf("memory: insert membership: user %s already in chat %s", m.UserID, m.ChatID)
			}
		}
		prev := t.s.members[m.ChatID]
		t.s.members[m.ChatID] = append(append([]chat.Membership(nil), prev...), m)
		chatID := m.ChatID
		t.undo = append(t.undo, func() { t.s.members[chatID] = prev })
	}
	return nil
}

func (t *memTx) GetChat(ctx context.Context, id string) (chat.Chat, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.s.getChat(id)
}

func (t *memTx) MarkChatDeleted(ctx context.Context, id string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	c, ok := t.s.chats[id]
	if !ok {
		return chat.ErrChatNotFound
	}
	prev := c
	c.Deleted = true
	t.s.chats[id] = c
	t.undo = append(t.undo, func() { t.s.chats[id] = prev })
	return nil
}
