// Package postgres implements the chat, message and user directory stores on
// PostgreSQL through database/sql and lib/pq. Chat creation serializes on a
// transaction-scoped advisory lock; partial unique indexes back the duplicate
// checks up.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Config holds connection settings.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectAttempts int
	RetryDelay      time.Duration
}

// DefaultConfig returns pool defaults for dsn.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:             dsn,
		MaxOpenConns:    40,
		MaxIdleConns:    10,
		ConnMaxLifetime: 30 * time.Minute,
		ConnectAttempts: 8,
		RetryDelay:      time.Second,
	}
}

// Store is the PostgreSQL-backed store.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// New wraps an open database handle.
func New(db *sql.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger.Named("postgres")}
}

// Open connects to PostgreSQL, retrying with backoff while the server comes
// up, and configures the pool.
func Open(ctx context.Context, config Config, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	attempts := config.ConnectAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := config.RetryDelay
	var last error
	for i := 1; i <= attempts; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		last = db.PingContext(pingCtx)
		cancel()
		if last == nil {
			return New(db, logger), nil
		}
		logger.Warn("postgres not ready", zap.Int("attempt", i), zap.Error(last))
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		if delay < 8*time.Second {
			delay *= 2
		}
	}
	db.Close()
	return nil, fmt.Errorf("postgres: ping after %d attempts: %w", attempts, last)
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// validID filters out strings the uuid columns would reject, so lookups of
// malformed ids behave like lookups of unknown ones.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

const uniqueViolation = "23505"

func constraintViolated(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return pqErr.Constraint, true
	}
	return "", false
}
