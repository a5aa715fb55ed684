package relayerr

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNoActiveSessionMessage(t *testing.T) {
	// The exact message is part of the public contract; clients match on it.
	assert.Equal(t, "No active session", NoActiveSession().Error())
}

func TestTimeoutError(t *testing.T) {
	err := &TimeoutError{Method: "Debugger.enable", Timeout: 5 * time.Second}
	assert.Equal(t, "Debugger.enable timed out after 5s", err.Error())
	assert.True(t, IsTimeout(err))
	assert.True(t, IsTimeout(fmt.Errorf("wrapped: %w", err)))
}

func TestStateError(t *testing.T) {
	err := NewStateError("stepOver", "running")
	assert.Contains(t, err.Error(), "paused")
	assert.Contains(t, err.Error(), "running")
	assert.True(t, IsState(err))
}

func TestProcessErrorUnwrap(t *testing.T) {
	inner := errors.New("exec: not found")
	err := &ProcessError{Message: "failed to spawn debuggee", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "failed to spawn debuggee")
}

func TestSessionConflictError(t *testing.T) {
	err := &SessionConflictError{PID: 42}
	assert.Contains(t, err.Error(), "42")
	assert.True(t, IsSessionConflict(err))
	assert.False(t, IsSessionConflict(errors.New("other")))
}

func TestPathViolationError(t *testing.T) {
	err := &PathViolationError{Path: "../etc/passwd", Root: "/ws"}
	assert.True(t, IsPathViolation(err))
	assert.Contains(t, err.Error(), "../etc/passwd")
}

func TestHelpersRejectForeignErrors(t *testing.T) {
	err := errors.New("plain")
	assert.False(t, IsConnection(err))
	assert.False(t, IsTimeout(err))
	assert.False(t, IsState(err))
	assert.False(t, IsPathViolation(err))
}
