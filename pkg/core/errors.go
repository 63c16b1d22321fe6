package core

import (
	"errors"
	"fmt"
)

// Error is the typed error carried through the dialogue client.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Reason  string    `json:"reason,omitempty"`
	Cause   error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ErrorKind categorizes failures by how the session recovers from them.
type ErrorKind string

const (
	// ErrTransientConnection covers drops and heartbeat timeouts. Auto-retried
	// via reconnect plus pending-request resend; never surfaced unless the
	// reconnect attempts run out.
	ErrTransientConnection ErrorKind = "transient_connection"

	// ErrProcessingTimeout means no reply arrived within the watchdog window.
	// Recoverable; the user can retry.
	ErrProcessingTimeout ErrorKind = "processing_timeout"

	// ErrContentRejected means the service declined to answer. Not an error
	// state: the session returns to listening with a soft advisory.
	ErrContentRejected ErrorKind = "content_rejected"

	// ErrPlaybackFailure covers device or stream failures during playback.
	ErrPlaybackFailure ErrorKind = "playback_failure"

	// ErrTerminal covers the reconnect ceiling and permission denial. Requires
	// an explicit user retry or cancel; never auto-recovered.
	ErrTerminal ErrorKind = "terminal"
)

// NewTransientError creates a transient connection error.
func NewTransientError(message string, cause error) *Error {
	return &Error{Kind: ErrTransientConnection, Message: message, Cause: cause}
}

// NewProcessingTimeoutError creates a processing watchdog error.
func NewProcessingTimeoutError(message string) *Error {
	return &Error{Kind: ErrProcessingTimeout, Message: message}
}

// NewContentRejectedError creates a soft-decline error.
func NewContentRejectedError(message string) *Error {
	return &Error{Kind: ErrContentRejected, Message: message}
}

// NewPlaybackError wraps a device or stream failure.
func NewPlaybackError(message string, cause error) *Error {
	return &Error{Kind: ErrPlaybackFailure, Message: message, Cause: cause}
}

// NewTerminalError creates a terminal error with a distinguishing reason.
func NewTerminalError(message, reason string) *Error {
	return &Error{Kind: ErrTerminal, Message: message, Reason: reason}
}

// IsRecoverable reports whether the session can leave the error state via a
// user retry rather than a full restart.
func (e *Error) IsRecoverable() bool {
	switch e.Kind {
	case ErrProcessingTimeout, ErrPlaybackFailure, ErrTransientConnection:
		return true
	default:
		return false
	}
}

// Unwrap returns the underlying cause for error wrapping.
func (e *Error) Unwrap() error {
	return e.Cause
}

// KindOf extracts the ErrorKind from an error chain. Unknown errors map to
// ErrPlaybackFailure only when explicitly wrapped; everything else reports
// ErrTerminal to stay on the safe side.
func KindOf(err error) ErrorKind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return ErrTerminal
}
