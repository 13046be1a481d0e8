package gateway

import (
	"context"

	"go.uber.org/zap"

	"github.com/teamchat/chat-app/internal/chat"
	"github.com/teamchat/chat-app/internal/message"
	"github.com/teamchat/chat-app/internal/metrics"
	"github.com/teamchat/chat-app/internal/protocol"
	"github.com/teamchat/chat-app/internal/ratelimit"
)

// handleCreateChat creates a chat, joins the creating connection to its room
// and tells every other member's live connection about it.
func (g *Gateway) handleCreateChat(ctx context.Context, c Client, payload interface{}) error {
	p := payload.(*protocol.CreateChatPayload)
	if err := g.allow(ctx, c, protocol.EventCreateChat, ratelimit.RuleCreateChat); err != nil {
		return err
	}

	creator := c.Principal().ID
	created, err := g.directory.CreateChat(ctx, chat.CreateRequest{
		Type:      chat.Type(p.Type),
		Name:      p.Name,
		MemberIDs: p.MemberIDs,
	}, creator)
	if err != nil {
		return err
	}
	metrics.ChatsCreated.WithLabelValues(string(created.Type)).Inc()

	if err := g.registry.JoinRoom(c, created.ID); err != nil {
		g.logger.Warn("creator left before joining room", zap.String("chat", created.ID), zap.Error(err))
	}
	g.send(c, protocol.EventChatCreated, created)

	for _, memberID := range created.MemberIDs() {
		if memberID == creator {
			continue
		}
		if g.notifyUser(memberID, protocol.EventNewChatCreated, created) {
			metrics.Deliveries.WithLabelValues("direct").Inc()
		}
	}

	g.events.ChatCreated(ctx, created)
	return nil
}

// handleSendMessage re-checks the session token, authorizes the sender, appends the message and broadcasts
// it to the chat's room. A sender whose connection has not joined the room
// gets a message_sent acknowledgement instead.
func (g *Gateway) handleSendMessage(ctx context.Context, c Client, payload interface{}) error {
	p := payload.(*protocol.SendMessagePayload)
	if err := g.requireLiveToken(c); err != nil {
		return err
	}
	sender := c.Principal().ID
	if p.SenderID != "" && p.SenderID != sender {
		return ErrSenderMismatch
	}
	if err := g.allow(ctx, c, protocol.EventSendMessage, ratelimit.RuleMessage); err != nil {
		return err
	}

	target, err := g.directory.Get(ctx, p.ChatID)
	if err != nil {
		return err
	}
	if !target.HasMember(sender) {
		return chat.ErrNotAMember
	}

	receiver := p.ReceiverID
	if receiver == "" && target.Type == chat.TypeDirect {
		for _, id := range target.MemberIDs() {
			if id != sender {
				receiver = id
			}
		}
	}

	m, err := g.log.Append(ctx, p.ChatID, sender, receiver, p.Content)
	if err != nil {
		return err
	}
	metrics.MessagesAppended.Inc()

	inRoom := g.registry.InRoom(c, p.ChatID)
	data, err := protocol.NewServerMessage(protocol.EventReceiveMessage, m)
	if err != nil {
		return err
	}
	delivered := g.registry.Broadcast(p.ChatID, data)
	metrics.Deliveries.WithLabelValues("room").Add(float64(delivered))
	if !inRoom {
		g.send(c, protocol.EventMessageSent, m)
	}

	g.events.MessageAppended(ctx, m)
	return nil
}

// handleJoinChat subscribes a member's connection to the chat room and replies
// with the first page of history. Non-members are never joined.
func (g *Gateway) handleJoinChat(ctx context.Context, c Client, payload interface{}) error {
	p := payload.(*protocol.ChatRef)
	if err := g.directory.RequireMember(ctx, p.ChatID, c.Principal().ID); err != nil {
		return err
	}

	history, err := g.log.History(ctx, p.ChatID, message.Page{})
	if err != nil {
		return err
	}
	if err := g.registry.JoinRoom(c, p.ChatID); err != nil {
		return err
	}
	// A delete that landed after the membership check has already closed
	// the room, so the join must not outlive it.
	if _, err := g.directory.Get(ctx, p.ChatID); err != nil {
		g.registry.LeaveRoom(c, p.ChatID)
		return err
	}
	g.send(c, protocol.EventChatHistory, history)
	return nil
}

func (g *Gateway) handleFetchHistory(ctx context.Context, c Client, payload interface{}) error {
	p := payload.(*protocol.FetchHistoryPayload)
	if err := g.requireLiveToken(c); err != nil {
		return err
	}
	if err := g.directory.RequireMember(ctx, p.ChatID, c.Principal().ID); err != nil {
		return err
	}

	history, err := g.log.History(ctx, p.ChatID, message.Page{Offset: p.Offset, Limit: p.Limit})
	if err != nil {
		return err
	}
	g.send(c, protocol.EventChatHistory, history)
	return nil
}

func (g *Gateway) handleAddMembers(ctx context.Context, c Client, payload interface{}) error {
	p := payload.(*protocol.AddChatMembersPayload)
	updated, added, err := g.directory.AddMembers(ctx, p.ChatID, c.Principal().ID, p.MemberIDs)
	if err != nil {
		return err
	}
	if added == nil {
		added = []string{}
	}

	g.send(c, protocol.EventChatMembersAdded, protocol.MembersAddedPayload{Chat: updated, Added: added})
	for _, id := range added {
		if g.notifyUser(id, protocol.EventAddedToChat, updated) {
			metrics.Deliveries.WithLabelValues("direct").Inc()
		}
	}

	if len(added) > 0 {
		g.events.MembersAdded(ctx, updated, added)
	}
	return nil
}

// handleDeleteChat soft-deletes a chat, tells its room and then drops the
// room so no further broadcasts reach former subscribers.
func (g *Gateway) handleDeleteChat(ctx context.Context, c Client, payload interface{}) error {
	p := payload.(*protocol.ChatRef)
	actor := c.Principal().ID
	deleted, err := g.directory.DeleteChat(ctx, p.ChatID, actor)
	if err != nil {
		return err
	}

	notice := protocol.ChatDeletedPayload{ChatID: deleted.ID, DeletedBy: actor}
	inRoom := g.registry.InRoom(c, deleted.ID)
	data, err := protocol.NewServerMessage(protocol.EventChatDeleted, notice)
	if err != nil {
		return err
	}
	g.registry.Broadcast(deleted.ID, data)
	g.registry.CloseRoom(deleted.ID)
	if !inRoom {
		g.send(c, protocol.EventChatDeleted, notice)
	}

	g.events.ChatDeleted(ctx, deleted, actor)
	return nil
}

func (g *Gateway) handleListChats(ctx context.Context, c Client, _ interface{}) error {
	chats, err := g.directory.ListForUser(ctx, c.Principal().ID)
	if err != nil {
		return err
	}
	if chats == nil {
		chats = []chat.Chat{}
	}
	g.send(c, protocol.EventChatList, protocol.ChatListPayload{Chats: chats})
	return nil
}

// handleAuthenticate rejects a second authenticate on a live connection.
func (g *Gateway) handleAuthenticate(context.Context, Client, interface{}) error {
	return ErrAlreadyAuthenticated
}
