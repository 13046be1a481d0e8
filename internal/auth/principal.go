// Package auth verifies the bearer tokens presented by chat connections and
// turns them into Principals. Tokens are HS256 JWTs whose subject is the user
// id; the role is read from the user directory, not from the token, so a role
// change takes effect on the next connection.
package auth

import (
	"fmt"
	"strings"
	"time"
)

// Role is the organizational role of a user.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleManager  Role = "manager"
	RoleEmployee Role = "employee"
)

// ParseRole converts a stored role name into a Role.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleAdmin, RoleManager, RoleEmployee:
		return r, nil
	default:
		return "", fmt.Errorf("auth: unknown role %q", s)
	}
}

// Principal is the authenticated identity bound to a connection. It does not
// change for the life of the connection. ExpiresAt is the expiry of the token
// it was verified from; it is zero for principals read from the directory.
type Principal struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	ExpiresAt time.Time `json:"-"`
}

// Expired reports whether the token behind p is no longer valid at now.
func (p Principal) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}
