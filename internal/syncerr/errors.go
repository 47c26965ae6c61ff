// Package syncerr defines the error taxonomy shared by the synchronization
// core. Each error carries a Code that decides how the dispatcher reacts:
// reply to the originating session, drop silently, or retry.
package syncerr

import (
	"errors"
	"fmt"
)

// Code classifies a core error.
type Code string

const (
	// UnreachableUser: the target has no live session. Delivery is deferred.
	UnreachableUser Code = "unreachable_user"
	// InvalidTransition: the operation does not apply to the current state.
	InvalidTransition Code = "invalid_transition"
	// PersistenceFailure: a durable write failed.
	PersistenceFailure Code = "persistence_failure"
	// StaleSession: the referenced session or call no longer exists.
	StaleSession Code = "stale_session"
	// MediaNegotiationFailure: signaling worked but the peers could not connect.
	MediaNegotiationFailure Code = "media_negotiation_failure"
	// MalformedPayload: the inbound event could not be parsed or validated.
	MalformedPayload Code = "malformed_payload"
)

// Error is a coded core error.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same code, so errors.Is(err,
// syncerr.New(code, "", nil)) style checks work alongside CodeOf.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New returns a coded error for op.
func New(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// Errorf returns a coded error with a formatted cause.
func Errorf(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

// CodeOf extracts the code of err, or "" when err is not a coded error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Silent reports whether the error should be dropped without telling the
// client. Races between disconnects and in-flight events are expected.
func Silent(err error) bool {
	switch CodeOf(err) {
	case StaleSession, UnreachableUser:
		return true
	}
	return false
}
