package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/teamchat/chat-app/internal/apperr"
)

var (
	ErrTokenMissing     = apperr.New(apperr.KindAuthentication, "UNAUTHORIZED", "no token provided")
	ErrUnknownPrincipal = apperr.New(apperr.KindAuthentication, "UNAUTHORIZED", "user not found")
	ErrTokenInvalid     = apperr.New(apperr.KindAuthentication, "INVALID_TOKEN", "invalid token")
	ErrTokenExpired     = apperr.New(apperr.KindAuthentication, "TOKEN_EXPIRED", "token has expired")
	ErrAuthFailed       = apperr.New(apperr.KindAuthentication, "AUTH_ERROR", "authentication failed")
)

// Claims carried by a session token. The user id is the standard subject.
type Claims struct {
	jwt.RegisteredClaims
}

// PrincipalLookup resolves user ids to principals. Ids that do not belong to
// an active user are left out of the result.
type PrincipalLookup interface {
	ResolvePrincipals(ctx context.Context, ids []string) ([]Principal, error)
}

// Config holds token verification settings.
type Config struct {
	Secret  []byte
	Issuer  string        // optional; enforced when set
	Timeout time.Duration // bound on a single Authenticate call
}

// Authenticator verifies session tokens.
type Authenticator struct {
	config Config
	lookup PrincipalLookup
	parser *jwt.Parser
}

// NewAuthenticator creates an Authenticator that resolves token subjects
// through lookup.
func NewAuthenticator(config Config, lookup PrincipalLookup) *Authenticator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}
	return &Authenticator{
		config: config,
		lookup: lookup,
		parser: jwt.NewParser(opts...),
	}
}

// Authenticate verifies token and returns the Principal it identifies. All
// failures are one of the package's sentinel errors, possibly wrapped. A call
// that exceeds the configured timeout fails with ErrTokenInvalid.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrTokenMissing
	}

	if a.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.config.Timeout)
		defer cancel()
	}

	var claims Claims
	_, err := a.parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return a.config.Secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return Principal{}, ErrTokenExpired
	case err != nil:
		return Principal{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	case claims.Subject == "":
		return Principal{}, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}

	found, err := a.lookup.ResolvePrincipals(ctx, []string{claims.Subject})
	if err != nil {
		if ctx.Err() != nil {
			return Principal{}, fmt.Errorf("%w: %v", ErrTokenInvalid, ctx.Err())
		}
		return Principal{}, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if ctx.Err() != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrTokenInvalid, ctx.Err())
	}
	for _, p := range found {
		if p.ID == claims.Subject {
			p.ExpiresAt = claims.ExpiresAt.Time
			return p, nil
		}
	}
	return Principal{}, ErrUnknownPrincipal
}

// ExtractToken returns the bearer token of an upgrade request: the
// Authorization header first, then the "token" query parameter.
func ExtractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, value, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(value)
		}
	}
	return r.URL.Query().Get("token")
}

// Describe maps an authentication failure to its wire type and code.
func Describe(err error) (typ, code string) {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return "token_expired", ErrTokenExpired.Code
	case errors.Is(err, ErrTokenInvalid):
		return "invalid_token", ErrTokenInvalid.Code
	case errors.Is(err, ErrTokenMissing), errors.Is(err, ErrUnknownPrincipal):
		return "unauthorized", "UNAUTHORIZED"
	default:
		return "authentication_error", ErrAuthFailed.Code
	}
}
