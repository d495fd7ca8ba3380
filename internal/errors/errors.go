// Package errors defines the error kinds handlers produce and the mapping
// from an error to the status/message pair that goes back on the wire.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Response statuses carried by every reply frame.
const (
	StatusSuccess = "success"
	StatusFail    = "fail"
	StatusError   = "error"
)

// Kind sentinels, matched with errors.Is.
var (
	ErrProtocol   = stderrors.New("protocol error")
	ErrAuth       = stderrors.New("unauthorized")
	ErrValidation = stderrors.New("invalid input")
	ErrNotFound   = stderrors.New("not found")
	ErrStore      = stderrors.New("store failure")
	ErrIO         = stderrors.New("io failure")
)

// Error carries the client-facing status and message alongside the kind and
// the underlying cause. The cause is for logs only and never leaves the
// process.
type Error struct {
	kind    error
	status  string
	message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.message)
}

func (e *Error) Unwrap() []error {
	if e.cause != nil {
		return []error{e.kind, e.cause}
	}
	return []error{e.kind}
}

// Protocol reports a malformed frame or request. Sent with status "error".
func Protocol(message string) *Error {
	return &Error{kind: ErrProtocol, status: StatusError, message: message}
}

// Auth reports a login-related rejection. Sent with status "fail".
func Auth(message string) *Error {
	return &Error{kind: ErrAuth, status: StatusFail, message: message}
}

// Reject reports a business-rule rejection (duplicate friend, wrong captcha,
// weak password). Sent with status "fail".
func Reject(message string) *Error {
	return &Error{kind: ErrValidation, status: StatusFail, message: message}
}

// Invalid reports malformed or missing request fields. Sent with status
// "error".
func Invalid(message string) *Error {
	return &Error{kind: ErrValidation, status: StatusError, message: message}
}

// NotFound reports a missing user, file or session. Sent with status "error".
func NotFound(message string) *Error {
	return &Error{kind: ErrNotFound, status: StatusError, message: message}
}

// Store wraps a database failure. The client sees a generic message; query
// text stays in the logs.
func Store(cause error) *Error {
	return &Error{kind: ErrStore, status: StatusError, message: "internal storage error", cause: cause}
}

// IO wraps a filesystem failure. Same treatment as Store.
func IO(cause error) *Error {
	return &Error{kind: ErrIO, status: StatusError, message: "internal io error", cause: cause}
}

// Status returns the wire status for err.
func Status(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.status
	}
	return StatusError
}

// ClientMessage returns the message safe to send to the client.
func ClientMessage(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.message
	}
	return "internal server error"
}
