package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/teamchat/chat-app/internal/chat"
)

// WithTx runs fn inside a database transaction. fn's error rolls the
// transaction back and is returned unchanged.
func (s *Store) WithTx(ctx context.Context, fn func(tx chat.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { s.logRollback(sqlTx.Rollback()) }()

	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		if name, ok := constraintViolated(err); ok {
			return duplicateError(name, err)
		}
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// GetChat returns the chat with its members.
func (s *Store) GetChat(ctx context.Context, id string) (chat.Chat, error) {
	return getChat(ctx, s.db, id)
}

// IsMember reports whether userID belongs to the non-deleted chat chatID.
func (s *Store) IsMember(ctx context.Context, chatID, userID string) (bool, error) {
	if !validID(chatID) || !validID(userID) {
		return false, nil
	}
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM chat_members m
			JOIN chats c ON c.id = m.chat_id
			WHERE m.chat_id = $1 AND m.user_id = $2 AND NOT c.isdeleted
		)`
	var ok bool
	if err := s.db.QueryRowContext(ctx, query, chatID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("postgres: is member: %w", err)
	}
	return ok, nil
}

// ListChatsByUser returns userID's non-deleted chats, newest first.
func (s *Store) ListChatsByUser(ctx context.Context, userID string) ([]chat.Chat, error) {
	if !validID(userID) {
		return nil, nil
	}
	const query = `
		SELECT c.id, c.type, COALESCE(c.name, ''), c.created_by, c.created_at, c.isdeleted
		FROM chats c
		JOIN chat_members m ON m.chat_id = c.id
		WHERE m.user_id = $1 AND NOT c.isdeleted
		ORDER BY c.created_at DESC, c.id`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list chats: %w", err)
	}
	defer rows.Close()

	var (
		chats []chat.Chat
		ids   []string
	)
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, c)
		ids = append(ids, c.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list chats: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	members, err := listMembers(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range chats {
		chats[i].Members = members[chats[i].ID]
	}
	return chats, nil
}

// ---------------------------------------------------------------------------
// Transaction
// ---------------------------------------------------------------------------

type pgTx struct {
	tx *sql.Tx
}

// Lock takes a transaction-scoped advisory lock on key.
func (t *pgTx) Lock(ctx context.Context, key string) error {
	if _, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("postgres: advisory lock: %w", err)
	}
	return nil
}

func (t *pgTx) FindDirectChat(ctx context.Context, a, b string) (string, bool, error) {
	if !validID(a) || !validID(b) {
		return "", false, nil
	}
	const query = `
		SELECT c.id FROM chats c
		WHERE c.type = 'direct' AND NOT c.isdeleted
		  AND (SELECT count(*) FROM chat_members m WHERE m.chat_id = c.id) = 2
		  AND EXISTS (SELECT 1 FROM chat_members m WHERE m.chat_id = c.id AND m.user_id = $1)
		  AND EXISTS (SELECT 1 FROM chat_members m WHERE m.chat_id = c.id AND m.user_id = $2)
		LIMIT 1`
	return findID(ctx, t.tx, query, a, b)
}

func (t *pgTx) FindGroupChat(ctx context.Context, name string) (string, bool, error) {
	const query = `SELECT id FROM chats WHERE type = 'group' AND name = $1 AND NOT isdeleted LIMIT 1`
	return findID(ctx, t.tx, query, name)
}

func (t *pgTx) InsertChat(ctx context.Context, c chat.Chat) error {
	var name, directKey sql.NullString
	switch c.Type {
	case chat.TypeDirect:
		if len(c.Members) != 2 {
			return fmt.Errorf("postgres: insert chat: direct chat with %d members", len(c.Members))
		}
		directKey = sql.NullString{String: chat.DirectKey(c.Members[0].UserID, c.Members[1].UserID), Valid: true}
	case chat.TypeGroup:
		name = sql.NullString{String: c.Name, Valid: true}
	}

	// A unique violation must leave the transaction usable.
	if _, err := t.tx.ExecContext(ctx, `SAVEPOINT insert_chat`); err != nil {
		return fmt.Errorf("postgres: savepoint: %w", err)
	}
	const query = `
		INSERT INTO chats (id, type, name, created_by, created_at, direct_key)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := t.tx.ExecContext(ctx, query, c.ID, string(c.Type), name, c.CreatedBy, c.CreatedAt, directKey); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT insert_chat`); rbErr != nil {
			return fmt.Errorf("postgres: rollback to savepoint: %w", rbErr)
		}
		if cname, ok := constraintViolated(err); ok {
			return duplicateError(cname, err)
		}
		return fmt.Errorf("postgres: insert chat: %w", err)
	}
	return t.InsertMemberships(ctx, c.Members)
}

func (t *pgTx) InsertMemberships(ctx context.Context, ms []chat.Membership) error {
	const query = `INSERT INTO chat_members (id, chat_id, user_id, joined_at) VALUES ($1, $2, $3, $4)`
	for _, m := range ms {
		if _, err := t.tx.ExecContext(ctx, query, m.ID, m.ChatID, m.UserID, m.JoinedAt); err != nil {
			return fmt.Errorf("postgres: insert membership: %w", err)
		}
	}
	return nil
}

func (t *pgTx) GetChat(ctx context.Context, id string) (chat.Chat, error) {
	return getChat(ctx, t.tx, id)
}

func (t *pgTx) MarkChatDeleted(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE chats SET isdeleted = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete chat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.ErrChatNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChat(row rowScanner) (chat.Chat, error) {
	var (
		c    chat.Chat
		kind string
	)
	if err := row.Scan(&c.ID, &kind, &c.Name, &c.CreatedBy, &c.CreatedAt, &c.Deleted); err != nil {
		return chat.Chat{}, err
	}
	c.Type = chat.Type(kind)
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

func getChat(ctx context.Context, q querier, id string) (chat.Chat, error) {
	if !validID(id) {
		return chat.Chat{}, chat.ErrChatNotFound
	}
	const query = `
		SELECT id, type, COALESCE(name, ''), created_by, created_at, isdeleted
		FROM chats WHERE id = $1`
	c, err := scanChat(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Chat{}, chat.ErrChatNotFound
	}
	if err != nil {
		return chat.Chat{}, fmt.Errorf("postgres: get chat: %w", err)
	}

	members, err := listMembers(ctx, q, []string{id})
	if err != nil {
		return chat.Chat{}, err
	}
	c.Members = members[id]
	return c, nil
}

func listMembers(ctx context.Context, q querier, chatIDs []string) (map[string][]chat.Membership, error) {
	const query = `
		SELECT id, chat_id, user_id, joined_at FROM chat_members
		WHERE chat_id = ANY($1::uuid[])
		ORDER BY joined_at, id`
	rows, err := q.QueryContext(ctx, query, pq.Array(chatIDs))
	if err != nil {
		return nil, fmt.Errorf("postgres: list members: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]chat.Membership, len(chatIDs))
	for rows.Next() {
		var m chat.Membership
		if err := rows.Scan(&m.ID, &m.ChatID, &m.UserID, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan member: %w", err)
		}
		m.JoinedAt = m.JoinedAt.UTC()
		out[m.ChatID] = append(out[m.ChatID], m)
	}
	return out, rows.Err()
}

func findID(ctx context.Context, q querier, query string, args ...interface{}) (string, bool, error) {
	var id string
	err := q.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("postgres: find chat: %w", err)
	}
	return id, true, nil
}

func duplicateError(constraint string, cause error) error {
	switch constraint {
	case "chats_direct_key_live":
		return chat.ErrDuplicateDirectChat
	case "chats_group_name_live":
		return chat.ErrDuplicateChatName
	default:
		return fmt.Errorf("postgres: unique violation on %s: %w", constraint, cause)
	}
}

func (s *Store) logRollback(err error) {
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		s.logger.Warn("rollback failed", zap.Error(err))
	}
}
