package postgres

import (
	"context"
	"fmt"

	"github.com/lib/pq"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/teamchat/chat-app/internal/auth"
	"github.com/teamchat/chat-app/internal/user"
)

// ResolvePrincipals returns the principals of the active users in ids.
func (s *Store) ResolvePrincipals(ctx context.Context, ids []string) ([]auth.Principal, error) {
	valid := lo.Filter(ids, func(id string, _ int) bool { return validID(id) })
	if len(valid) == 0 {
		return nil, nil
	}

	const query = `SELECT id, role FROM users WHERE id = ANY($1::uuid[]) AND NOT isdeleted AND status <> $2`
	rows, err := s.db.QueryContext(ctx, query, pq.Array(valid), string(user.StatusInactive))
	if err != nil {
		return nil, fmt.Errorf("postgres: resolve principals: %w", err)
	}
	defer rows.Close()

	var out []auth.Principal
	for rows.Next() {
		var id, roleName string
		if err := rows.Scan(&id, &roleName); err != nil {
			return nil, fmt.Errorf("postgres: scan principal: %w", err)
		}
		role, err := auth.ParseRole(roleName)
		if err != nil {
			s.logger.Warn("user with unknown role skipped", zap.String("user", id), zap.String("role", roleName))
			continue
		}
		out = append(out, auth.Principal{ID: id, Role: role})
	}
	return out, rows.Err()
}

// UserExists reports whether userID is an active user.
func (s *Store) UserExists(ctx context.Context, userID string) (bool, error) {
	if !validID(userID) {
		return false, nil
	}
	var exists bool
	const query = `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1 AND NOT isdeleted AND status <> $2)`
	if err := s.db.QueryRowContext(ctx, query, userID, string(user.StatusInactive)).Scan(&exists); err != nil {
		return false, fmt.Errorf("postgres: user exists: %w", err)
	}
	return exists, nil
}

// UpsertUser writes a user row. Used for development seeding and tests.
func (s *Store) UpsertUser(ctx context.Context, u user.User) error {
	status := u.Status
	if status == "" {
		status = user.StatusActive
	}
	const query = `
		INSERT INTO users (id, name, email, role, status, isdeleted)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, email = EXCLUDED.email, role = EXCLUDED.role,
		    status = EXCLUDED.status, isdeleted = EXCLUDED.isdeleted`
	_, err := s.db.ExecContext(ctx, query, u.ID, u.Name, u.Email, string(u.Role), string(status), u.Deleted)
	if err != nil {
		return fmt.Errorf("postgres: upsert user: %w", err)
	}
	return nil
}
