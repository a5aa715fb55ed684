// Package relayerr defines the error taxonomy shared by the relay components.
//
// Every public operation in the bridge returns either a value or one of these
// typed errors. Request-scoped errors (ConnectionError, TimeoutError,
// ProtocolError) reject only the originating call; connection-scoped errors
// additionally reject every pending request so no caller waits forever.
package relayerr

import (
	"errors"
	"fmt"
	"time"
)

// ConnectionError indicates there is no active transport, or the transport
// dropped while a request was in flight.
type ConnectionError struct {
	Message string
}

func (e *ConnectionError) Error() string {
	return e.Message
}

// NoActiveSession returns the ConnectionError used when a command is issued
// with no transport connected. The message is part of the public contract.
func NoActiveSession() *ConnectionError {
	return &ConnectionError{Message: "No active session"}
}

// TimeoutError indicates a command or handshake exceeded its deadline.
type TimeoutError struct {
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("timed out after %s", e.Timeout)
	}
	return fmt.Sprintf("%s timed out after %s", e.Method, e.Timeout)
}

// ProtocolError carries a JSON-RPC error object returned by the debuggee.
type ProtocolError struct {
	Method  string
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s failed: %s (code %d)", e.Method, e.Message, e.Code)
}

// StateError indicates an operation that is invalid for the current execution
// state, e.g. stepping while the target is running. It is raised before any
// network traffic is generated.
type StateError struct {
	Op      string
	State   string
	Message string
}

func (e *StateError) Error() string {
	return e.Message
}

// NewStateError builds a StateError for an operation that requires a paused
// target.
func NewStateError(op, state string) *StateError {
	return &StateError{
		Op:      op,
		State:   state,
		Message: fmt.Sprintf("%s requires a paused target (current state: %s)", op, state),
	}
}

// ProcessError indicates the debuggee failed to spawn or exited unexpectedly
// before readiness.
type ProcessError struct {
	Message string
	Err     error
}

func (e *ProcessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// SessionConflictError indicates an attempt to start a session while the
// supervisor already tracks a live process.
type SessionConflictError struct {
	PID int
}

func (e *SessionConflictError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("a debug session is already active (pid %d); stop it first", e.PID)
	}
	return "a debug session is already active; stop it first"
}

// PathViolationError indicates a target file resolving outside the permitted
// workspace root.
type PathViolationError struct {
	Path string
	Root string
}

func (e *PathViolationError) Error() string {
	return fmt.Sprintf("path %q resolves outside the workspace root %q", e.Path, e.Root)
}

// IsConnection reports whether err is (or wraps) a ConnectionError.
func IsConnection(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsState reports whether err is (or wraps) a StateError.
func IsState(err error) bool {
	var se *StateError
	return errors.As(err, &se)
}

// IsSessionConflict reports whether err is (or wraps) a SessionConflictError.
func IsSessionConflict(err error) bool {
	var sc *SessionConflictError
	return errors.As(err, &sc)
}

// IsPathViolation reports whether err is (or wraps) a PathViolationError.
func IsPathViolation(err error) bool {
	var pv *PathViolationError
	return errors.As(err, &pv)
}
