// Package apierr marks errors whose message is safe to return to API clients.
// Anything not marked is masked at the request boundary.
package apierr

import (
	"errors"
	"fmt"
)

// Error is a user-facing failure.
type Error struct {
	Message string
	Code    string
	cause   error
}

// New creates a user-facing error.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a user-facing error from a format string.
func Errorf(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a user-facing message to an underlying error.
func Wrap(err error, code, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Extensions is attached to GraphQL error responses.
func (e *Error) Extensions() map[string]interface{} {
	if e.Code == "" {
		return nil
	}
	return map[string]interface{}{"code": e.Code}
}

// As returns the outermost user-facing error in err's chain.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// Error codes.
const (
	CodeUnauthorized = "UNAUTHORIZED"
	CodeBadRequest   = "BAD_REQUEST"
	CodeNotFound     = "NOT_FOUND"
	CodeLimit        = "LIMIT_EXCEEDED"
	CodeInternal     = "INTERNAL"
)
