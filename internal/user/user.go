// Package user describes the users the chat server reads from the shared
// user directory. The directory is owned by the account service; the chat
// server never writes it outside of development seeding and tests.
package user

import (
	"time"

	"github.com/teamchat/chat-app/internal/auth"
)

// Status of an account.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Active reports whether u may take part in chats. Deleted and inactive
// accounts cannot.
func (u User) Active() bool {
	return !u.Deleted && u.Status != StatusInactive
}

// User is a row of the user directory.
type User struct {
	ID        string
	Name      string
	Email     string
	Role      auth.Role
	Status    Status
	Deleted   bool
	CreatedAt time.Time
}

// Principal returns the identity u authenticates as.
func (u User) Principal() auth.Principal {
	return auth.Principal{ID: u.ID, Role: u.Role}
}
