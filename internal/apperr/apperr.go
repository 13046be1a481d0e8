// Package apperr defines the error taxonomy shared by the chat components.
// Domain packages declare sentinel *Error values; callers wrap them with
// detail using fmt.Errorf("%w: ...") and the gateway maps them onto wire
// error events by Kind and Code.
package apperr

import (
	"errors"
	"strings"
)

// Kind classifies an error for the purpose of client reporting.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthorization
	KindConflict
	KindNotFound
	KindAuthentication
	KindRateLimited
)

// String returns the snake_case name used on the wire.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindAuthentication:
		return "authentication"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "internal"
	}
}

// CodeInternal is the code reported for anything that is not an *Error.
const CodeInternal = "INTERNAL_ERROR"

// Error is a classified, client-presentable error.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

// New creates a sentinel error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func (e *Error) Error() string {
	return e.Message
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// KindOf reports the Kind of err, or KindInternal when err is unclassified.
func KindOf(err error) Kind {
	if ae, ok := As(err); ok {
		return ae.Kind
	}
	return KindInternal
}

// CodeOf reports the wire code of err.
func CodeOf(err error) string {
	if ae, ok := As(err); ok {
		return ae.Code
	}
	return CodeInternal
}

// Public returns a message that is safe to send to a client. Wrapped detail
// is kept for classified errors; internal errors collapse to a generic text.
func Public(err error) string {
	if _, ok := As(err); !ok {
		return "internal server error"
	}
	msg := err.Error()
	if strings.TrimSpace(msg) == "" {
		return "request failed"
	}
	return msg
}
