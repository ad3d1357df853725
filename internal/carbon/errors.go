package carbon

import (
	"errors"
	"fmt"
)

// Error kinds. Every failure surfaced to a caller matches exactly one of these
// through errors.Is.
var (
	ErrCredential     = errors.New("invalid credentials")
	ErrValidation     = errors.New("invalid input")
	ErrSessionExpired = errors.New("session expired")
	ErrNetwork        = errors.New("network unavailable")
	ErrService        = errors.New("service error")
	ErrConflict       = errors.New("conflict")
)

// Error carries the kind together with the operation and a user-facing message.
type Error struct {
	Kind    error
	Op      string
	Message string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

// Unwrap exposes both the kind and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Validation builds a local input error. These never reach the network.
func Validation(op, format string, args ...any) error {
	return &Error{Kind: ErrValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Conflict builds a race-detected error, e.g. amount above what is left.
func Conflict(op, msg string) error {
	return &Error{Kind: ErrConflict, Op: op, Message: msg}
}

// SessionExpired builds the error that forces re-authentication.
func SessionExpired(op string) error {
	return &Error{Kind: ErrSessionExpired, Op: op}
}

// Message returns the user-facing text for err, without the operation prefix.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}
