package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/teamchat/chat-app/internal/message"
)

// ChatExists reports whether chatID is a non-deleted chat.
func (s *Store) ChatExists(ctx context.Context, chatID string) (bool, error) {
	if !validID(chatID) {
		return false, nil
	}
	var ok bool
	const query = `SELECT EXISTS (SELECT 1 FROM chats WHERE id = $1 AND NOT isdeleted)`
	if err := s.db.QueryRowContext(ctx, query, chatID).Scan(&ok); err != nil {
		return false, fmt.Errorf("postgres: chat exists: %w", err)
	}
	return ok, nil
}

// AppendMessage inserts m and sets its Seq. Appends to one chat are
// serialized by an advisory lock and sent_at never falls behind the chat's
// latest message, so commit order, seq order and (sent_at, seq) order agree
// and history pages only ever grow at the end.
func (s *Store) AppendMessage(ctx context.Context, m *message.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { s.logRollback(tx.Rollback()) }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "messages:"+m.ChatID); err != nil {
		return fmt.Errorf("postgres: advisory lock: %w", err)
	}

	receiver := sql.NullString{String: m.ReceiverID, Valid: m.ReceiverID != ""}
	const query = `
		INSERT INTO messages (id, chat_id, sender_id, receiver_id, content, sent_at)
		VALUES ($1, $2, $3, $4, $5,
			GREATEST($6::timestamptz, (SELECT max(sent_at) FROM messages WHERE chat_id = $2)))
		RETURNING seq, sent_at`
	err = tx.QueryRowContext(ctx, query, m.ID, m.ChatID, m.SenderID, receiver, m.Content, m.SentAt).Scan(&m.Seq, &m.SentAt)
	if err != nil {
		return fmt.Errorf("postgres: insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit message: %w", err)
	}
	m.SentAt = m.SentAt.UTC()
	return nil
}

// ListMessages returns a window of chatID's messages ordered by (sent_at, seq).
func (s *Store) ListMessages(ctx context.Context, chatID string, offset, limit int) ([]message.Message, error) {
	if !validID(chatID) {
		return nil, nil
	}
	const query = `
		SELECT id, seq, chat_id, sender_id, COALESCE(receiver_id::text, ''), content, sent_at
		FROM messages
		WHERE chat_id = $1
		ORDER BY sent_at, seq
		OFFSET $2 LIMIT $3`
	rows, err := s.db.QueryContext(ctx, query, chatID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list messages: %w", err)
	}
	defer rows.Close()

	var out []message.Message
	for rows.Next() {
		var m message.Message
		if err := rows.Scan(&m.ID, &m.Seq, &m.ChatID, &m.SenderID, &m.ReceiverID, &m.Content, &m.SentAt); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		m.SentAt = m.SentAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}
