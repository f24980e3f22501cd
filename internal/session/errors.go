// ABOUTME: Error taxonomy for session operations
// ABOUTME: Callers match kinds with errors.Is against the exported sentinels

package session

import (
	"errors"
	"fmt"
)

// Error kinds. Every *Error unwraps to exactly one of these.
var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrNotReady         = errors.New("not ready")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrUnsupported      = errors.New("unsupported")
	ErrInvalid          = errors.New("invalid")
)

// Error is a failed operation on a session.
type Error struct {
	Kind   error
	ID     string
	Detail string
	Err    error
}

// NewError builds an Error. err may be nil.
func NewError(kind error, id, detail string, err error) *Error {
	return &Error{Kind: kind, ID: id, Detail: detail, Err: err}
}

func (e *Error) Error() string {
	msg := "session"
	if e.ID != "" {
		msg += " " + e.ID
	}
	msg += ": " + e.Kind.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
