package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teamchat/chat-app/internal/chat"
	"github.com/teamchat/chat-app/internal/message"
)

type published struct {
	subject string
	event   ChatEvent
}

type fakePublisher struct {
	mu   sync.Mutex
	got  []published
	fail error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	if f.fail != nil {
		return f.fail
	}
	var ev ChatEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	f.mu.Lock()
	f.got = append(f.got, published{subject: subject, event: ev})
	f.mu.Unlock()
	return nil
}

func TestEventPublisher_Subjects(t *testing.T) {
	req := require.New(t)
	fake := &fakePublisher{}
	p := NewEventPublisher(fake, zap.NewNop())
	p.now = func() time.Time { return time.UnixMilli(1700000000000) }
	ctx := context.Background()

	c := chat.Chat{ID: "c1", Type: chat.TypeGroup, Name: "Ops", CreatedBy: "u1"}
	p.ChatCreated(ctx, c)
	p.MessageAppended(ctx, message.Message{ID: "m1", ChatID: "c1", SenderID: "u2", Content: "hi"})
	p.MembersAdded(ctx, c, []string{"u3"})
	p.ChatDeleted(ctx, c, "u1")

	req.Len(fake.got, 4)
	req.Equal(SubjectChatCreated, fake.got[0].subject)
	req.Equal("Ops", fake.got[0].event.Chat.Name)
	req.Equal("chat.c1.message", fake.got[1].subject)
	req.Equal("hi", fake.got[1].event.Message.Content)
	req.Equal("u2", fake.got[1].event.ActorID)
	req.Equal("chat.c1.members", fake.got[2].subject)
	req.Equal([]string{"u3"}, fake.got[2].event.Added)
	req.Equal("chat.c1.deleted", fake.got[3].subject)
	req.Equal(EventChatDeleted, fake.got[3].event.Type)
	req.Equal(int64(1700000000000), fake.got[3].event.Ts)
}

func TestEventPublisher_SwallowsPublishErrors(t *testing.T) {
	p := NewEventPublisher(&fakePublisher{fail: errors.New("nats down")}, zap.NewNop())
	require.NotPanics(t, func() {
		p.ChatDeleted(context.Background(), chat.Chat{ID: "c1"}, "u1")
	})
}

func TestBus_RoundTrip(t *testing.T) {
	url := os.Getenv("TEST_NATS_URL")
	if url == "" {
		t.Skip("TEST_NATS_URL not set")
	}
	req := require.New(t)
	cfg := DefaultNATSConfig()
	cfg.URL = url
	bus, err := Connect(cfg, zap.NewNop())
	req.NoError(err)
	t.Cleanup(bus.Close)

	type delivery struct {
		subject string
		ev      ChatEvent
	}
	got := make(chan delivery, 1)
	_, err = bus.nc.Subscribe("chat.>", func(msg *nats.Msg) {
		var ev ChatEvent
		if json.Unmarshal(msg.Data, &ev) == nil {
			got <- delivery{msg.Subject, ev}
		}
	})
	req.NoError(err)
	req.NoError(bus.Flush(context.Background()))

	NewEventPublisher(bus, zap.NewNop()).ChatDeleted(context.Background(), chat.Chat{ID: "c9"}, "u1")

	select {
	case d := <-got:
		req.Equal("chat.c9.deleted", d.subject)
		req.Equal(EventChatDeleted, d.ev.Type)
		req.Equal("u1", d.ev.ActorID)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}
