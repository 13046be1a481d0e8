package chat

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/teamchat/chat-app/internal/auth"
)

// Directory implements the chat lifecycle on top of a Store.
type Directory struct {
	store  Store
	users  PrincipalResolver
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Directory.
type Option func(*Directory)

// WithClock overrides the time source used for createdAt and joinedAt.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) { d.now = now }
}

// NewDirectory creates a Directory.
func NewDirectory(store Store, users PrincipalResolver, logger *zap.Logger, opts ...Option) *Directory {
	d := &Directory{
		store:  store,
		users:  users,
		logger: logger.Named("chat"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DirectKey is the canonical identity of a direct chat between a and b,
// independent of who created it.
func DirectKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + ":" + pair[1]
}

// NormalizeMembers trims and deduplicates ids, drops empty entries and adds
// the creator. The creator comes first; the rest keep their request order.
func NormalizeMembers(creatorID string, ids []string) []string {
	trimmed := lo.Map(ids, func(id string, _ int) string { return strings.TrimSpace(id) })
	return lo.Uniq(lo.Compact(append([]string{creatorID}, trimmed...)))
}

// CreateChat validates req and creates the chat with its initial members in
// one transaction. The duplicate check and the insert run under a lock keyed
// by the chat's identity, so two identical concurrent requests cannot both
// succeed.
func (d *Directory) CreateChat(ctx context.Context, req CreateRequest, creatorID string) (Chat, error) {
	if !req.Type.Valid() {
		return Chat{}, ErrInvalidChatType
	}

	requested := lo.Compact(lo.Map(req.MemberIDs, func(id string, _ int) string { return strings.TrimSpace(id) }))
	members := NormalizeMembers(creatorID, req.MemberIDs)
	name := strings.TrimSpace(req.Name)

	switch req.Type {
	case TypeDirect:
		// Exactly one id must be named, and it cannot be the creator.
		if len(requested) != 1 || len(members) != 2 {
			return Chat{}, fmt.Errorf("%w: direct chat must have exactly one other participant", ErrInvalidParticipantCount)
		}
		name = ""
	case TypeGroup:
		if name == "" {
			return Chat{}, ErrMissingChatName
		}
		if len(members) < 2 {
			return Chat{}, fmt.Errorf("%w: group chat needs at least one other participant", ErrInvalidParticipantCount)
		}
	}

	if _, err := d.resolveHomogeneous(ctx, members); err != nil {
		return Chat{}, err
	}

	now := d.now().UTC()
	c := Chat{
		ID:        uuid.NewString(),
		Type:      req.Type,
		Name:      name,
		CreatedBy: creatorID,
		CreatedAt: now,
	}
	c.Members = lo.Map(members, func(userID string, _ int) Membership {
		return Membership{ID: uuid.NewString(), ChatID: c.ID, UserID: userID, JoinedAt: now}
	})

	var created Chat
	err := d.store.WithTx(ctx, func(tx Tx) error {
		if c.Type == TypeDirect {
			key := DirectKey(members[0], members[1])
			if err := tx.Lock(ctx, "chat:direct:"+key); err != nil {
				return err
			}
			if _, found, err := tx.FindDirectChat(ctx, members[0], members[1]); err != nil {
				return err
			} else if found {
				return ErrDuplicateDirectChat
			}
		} else {
			if err := tx.Lock(ctx, "chat:group:"+c.Name); err != nil {
				return err
			}
			if _, found, err := tx.FindGroupChat(ctx, c.Name); err != nil {
				return err
			} else if found {
				return ErrDuplicateChatName
			}
		}

		if err := tx.InsertChat(ctx, c); err != nil {
			return err
		}
		var err error
		created, err = tx.GetChat(ctx, c.ID)
		return err
	})
	if err != nil {
		return Chat{}, err
	}

	d.logger.Info("chat created",
		zap.String("chat", created.ID),
		zap.String("type", string(created.Type)),
		zap.String("creator", creatorID),
		zap.Int("members", len(created.Members)),
	)
	return created, nil
}

// resolveHomogeneous resolves ids and checks that they all exist and share a
// single role.
func (d *Directory) resolveHomogeneous(ctx context.Context, ids []string) ([]auth.Principal, error) {
	found, err := d.users.ResolvePrincipals(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("chat: resolve participants: %w", err)
	}

	byID := lo.KeyBy(found, func(p auth.Principal) string { return p.ID })
	missing := lo.Filter(ids, func(id string, _ int) bool {
		_, ok := byID[id]
		return !ok
	})
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrParticipantsNotFound, strings.Join(missing, ", "))
	}

	roles := lo.Uniq(lo.Map(found, func(p auth.Principal, _ int) auth.Role { return p.Role }))
	if len(roles) > 1 {
		return nil, ErrRoleMismatch
	}
	return found, nil
}

// AddMembers adds users to a group chat. Only the creator may add members, the
// newcomers must share the existing members' role, and users who already
// belong to the chat are skipped. It returns the updated chat and the ids that
// were actually added.
func (d *Directory) AddMembers(ctx context.Context, chatID, actorID string, memberIDs []string) (Chat, []string, error) {
	candidates := lo.Uniq(lo.Compact(lo.Map(memberIDs, func(id string, _ int) string { return strings.TrimSpace(id) })))
	if len(candidates) == 0 {
		return Chat{}, nil, fmt.Errorf("%w: no members to add", ErrInvalidParticipantCount)
	}

	var (
		updated Chat
		added   []string
	)
	err := d.store.WithTx(ctx, func(tx Tx) error {
		if err := tx.Lock(ctx, "chat:members:"+chatID); err != nil {
			return err
		}
		c, err := tx.GetChat(ctx, chatID)
		if err != nil {
			return err
		}
		if c.Deleted {
			return ErrChatNotFound
		}
		if !c.HasMember(actorID) {
			return ErrNotAMember
		}
		if c.Type != TypeGroup {
			return ErrDirectChatImmutable
		}
		if c.CreatedBy != actorID {
			return ErrNotChatOwner
		}

		added = lo.Filter(candidates, func(id string, _ int) bool { return !c.HasMember(id) })
		if len(added) == 0 {
			updated = c
			return nil
		}
		if _, err := d.resolveHomogeneous(ctx, append(c.MemberIDs(), added...)); err != nil {
			return err
		}

		now := d.now().UTC()
		ms := lo.Map(added, func(userID string, _ int) Membership {
			return Membership{ID: uuid.NewString(), ChatID: chatID, UserID: userID, JoinedAt: now}
		})
		if err := tx.InsertMemberships(ctx, ms); err != nil {
			return err
		}
		updated, err = tx.GetChat(ctx, chatID)
		return err
	})
	if err != nil {
		return Chat{}, nil, err
	}

	if len(added) > 0 {
		d.logger.Info("chat members added",
			zap.String("chat", chatID),
			zap.String("actor", actorID),
			zap.Strings("added", added),
		)
	}
	return updated, added, nil
}

// DeleteChat soft-deletes a chat. Only its creator may delete it. The returned
// chat carries the membership as it was at deletion time.
func (d *Directory) DeleteChat(ctx context.Context, chatID, actorID string) (Chat, error) {
	var deleted Chat
	err := d.store.WithTx(ctx, func(tx Tx) error {
		c, err := tx.GetChat(ctx, chatID)
		if err != nil {
			return err
		}
		if c.Deleted {
			return ErrChatNotFound
		}
		if !c.HasMember(actorID) {
			return ErrNotAMember
		}
		if c.CreatedBy != actorID {
			return ErrNotChatOwner
		}
		if err := tx.MarkChatDeleted(ctx, chatID); err != nil {
			return err
		}
		c.Deleted = true
		deleted = c
		return nil
	})
	if err != nil {
		return Chat{}, err
	}

	d.logger.Info("chat deleted", zap.String("chat", chatID), zap.String("actor", actorID))
	return deleted, nil
}

// Get returns a non-deleted chat.
func (d *Directory) Get(ctx context.Context, chatID string) (Chat, error) {
	c, err := d.store.GetChat(ctx, chatID)
	if err != nil {
		return Chat{}, err
	}
	if c.Deleted {
		return Chat{}, ErrChatNotFound
	}
	return c, nil
}

// IsMember reports whether userID belongs to the non-deleted chat chatID.
func (d *Directory) IsMember(ctx context.Context, chatID, userID string) (bool, error) {
	return d.store.IsMember(ctx, chatID, userID)
}

// RequireMember returns ErrNotAMember unless userID belongs to chatID.
func (d *Directory) RequireMember(ctx context.Context, chatID, userID string) error {
	ok, err := d.store.IsMember(ctx, chatID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAMember
	}
	return nil
}

// ListForUser returns the non-deleted chats userID belongs to.
func (d *Directory) ListForUser(ctx context.Context, userID string) ([]Chat, error) {
	chats, err := d.store.ListChatsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return chats, nil
}
