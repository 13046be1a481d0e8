package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teamchat/chat-app/internal/auth"
	"github.com/teamchat/chat-app/internal/chat"
	"github.com/teamchat/chat-app/internal/message"
	"github.com/teamchat/chat-app/internal/user"
)

// newTestStore connects to TEST_DATABASE_URL and migrates it. Tests are
// skipped when no database is configured or reachable.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping postgres tests")
	}

	config := DefaultConfig(dsn)
	config.ConnectAttempts = 1
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := Open(ctx, config, zap.NewNop())
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	require.NoError(t, Migrate(dsn, zap.NewNop()))
	return s
}

func seedUser(t *testing.T, s *Store, role auth.Role) string {
	t.Helper()
	id := uuid.NewString()
	require.NoError(t, s.UpsertUser(context.Background(), user.User{
		ID:    id,
		Name:  "user " + id[:8],
		Email: id + "@example.com",
		Role:  role,
	}))
	return id
}

func TestCreateChat_ConcurrentDirectRequests(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	dir := chat.NewDirectory(s, s, zap.NewNop())
	ctx := context.Background()

	u1, u2 := seedUser(t, s, auth.RoleEmployee), seedUser(t, s, auth.RoleEmployee)

	// When both parties open the same direct chat at once, several times
	const attempts = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			creator, peer := u1, u2
			if i%2 == 1 {
				creator, peer = u2, u1
			}
			_, err := dir.CreateChat(ctx, chat.CreateRequest{Type: chat.TypeDirect, MemberIDs: []string{peer}}, creator)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			if !errors.Is(err, chat.ErrDuplicateDirectChat) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	// Then exactly one chat exists
	req.Equal(1, successes)
	chats, err := dir.ListForUser(ctx, u1)
	req.NoError(err)
	req.Len(chats, 1)
	req.ElementsMatch([]string{u1, u2}, chats[0].MemberIDs())
}

func TestGroupLifecycle(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	dir := chat.NewDirectory(s, s, zap.NewNop())
	ctx := context.Background()

	owner, m1, m2 := seedUser(t, s, auth.RoleManager), seedUser(t, s, auth.RoleManager), seedUser(t, s, auth.RoleManager)
	name := "group-" + uuid.NewString()

	g, err := dir.CreateChat(ctx, chat.CreateRequest{Type: chat.TypeGroup, Name: name, MemberIDs: []string{m1}}, owner)
	req.NoError(err)
	req.Equal(name, g.Name)

	_, err = dir.CreateChat(ctx, chat.CreateRequest{Type: chat.TypeGroup, Name: name, MemberIDs: []string{m2}}, m1)
	req.ErrorIs(err, chat.ErrDuplicateChatName)

	_, added, err := dir.AddMembers(ctx, g.ID, owner, []string{m2})
	req.NoError(err)
	req.Equal([]string{m2}, added)

	ok, err := s.IsMember(ctx, g.ID, m2)
	req.NoError(err)
	req.True(ok)

	_, err = dir.DeleteChat(ctx, g.ID, owner)
	req.NoError(err)
	ok, err = s.IsMember(ctx, g.ID, m2)
	req.NoError(err)
	req.False(ok)
}

func TestMessagesOrderedAndPaged(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()

	u1, u2 := seedUser(t, s, auth.RoleEmployee), seedUser(t, s, auth.RoleEmployee)
	dir := chat.NewDirectory(s, s, zap.NewNop())
	c, err := dir.CreateChat(ctx, chat.CreateRequest{Type: chat.TypeDirect, MemberIDs: []string{u2}}, u1)
	req.NoError(err)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	log := message.NewLog(s, message.Config{DefaultPageSize: 2, MaxPageSize: 10}, zap.NewNop(),
		message.WithClock(func() time.Time { return at }))

	for _, text := range []string{"first", "second", "third"} {
		_, err := log.Append(ctx, c.ID, u1, u2, text)
		req.NoError(err)
	}

	h, err := log.History(ctx, c.ID, message.Page{})
	req.NoError(err)
	req.Len(h.Messages, 2)
	req.Equal("first", h.Messages[0].Content)
	req.Equal("second", h.Messages[1].Content)
	req.True(h.HasMore)

	h, err = log.History(ctx, c.ID, message.Page{Offset: 2})
	req.NoError(err)
	req.Len(h.Messages, 1)
	req.Equal("third", h.Messages[0].Content)
	req.False(h.HasMore)

	_, err = log.Append(ctx, c.ID, u1, uuid.NewString(), "to nobody")
	req.ErrorIs(err, message.ErrReceiverNotFound)
}

func TestAppendNeverStampsBeforeLatestMessage(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()

	u1, u2 := seedUser(t, s, auth.RoleEmployee), seedUser(t, s, auth.RoleEmployee)
	c, err := chat.NewDirectory(s, s, zap.NewNop()).
		CreateChat(ctx, chat.CreateRequest{Type: chat.TypeDirect, MemberIDs: []string{u2}}, u1)
	req.NoError(err)

	// Given an append stamped a minute ahead of the next one
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ahead := &message.Message{ID: uuid.NewString(), ChatID: c.ID, SenderID: u1, Content: "ahead", SentAt: at.Add(time.Minute)}
	req.NoError(s.AppendMessage(ctx, ahead))

	// When a writer with a slower clock appends
	behind := &message.Message{ID: uuid.NewString(), ChatID: c.ID, SenderID: u2, Content: "behind", SentAt: at}
	req.NoError(s.AppendMessage(ctx, behind))

	// Then it is stamped no earlier and lands at the end of history
	req.True(behind.SentAt.Equal(ahead.SentAt))
	req.Greater(behind.Seq, ahead.Seq)
	msgs, err := s.ListMessages(ctx, c.ID, 0, 10)
	req.NoError(err)
	req.Len(msgs, 2)
	req.Equal("behind", msgs[1].Content)
}

func TestResolvePrincipalsSkipsMalformedDeletedAndInactive(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()

	live := seedUser(t, s, auth.RoleAdmin)
	gone := seedUser(t, s, auth.RoleAdmin)
	idle := seedUser(t, s, auth.RoleAdmin)
	req.NoError(s.UpsertUser(ctx, user.User{ID: gone, Email: gone + "@example.com", Role: auth.RoleAdmin, Deleted: true}))
	req.NoError(s.UpsertUser(ctx, user.User{ID: idle, Email: idle + "@example.com", Role: auth.RoleAdmin, Status: user.StatusInactive}))

	found, err := s.ResolvePrincipals(ctx, []string{live, gone, idle, "not-a-uuid"})
	req.NoError(err)
	req.Equal([]auth.Principal{{ID: live, Role: auth.RoleAdmin}}, found)

	ok, err := s.UserExists(ctx, idle)
	req.NoError(err)
	req.False(ok)
}
