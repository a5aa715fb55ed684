// Package execstate tracks the debuggee's execution state and gates stepping
// operations.
//
// The machine is a pure observer: it mutates only on events received from the
// debuggee (Debugger.paused, Debugger.resumed) and on connect/disconnect
// transitions. It owns no in-flight request. Its one active role is the step
// guard: stepping or resuming a target that is not paused fails synchronously
// with a StateError before any network traffic is generated, which closes the
// race where a client steps before it has seen the paused event.
package execstate

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/velab/inspector-bridge/internal/dispatch"
	"github.com/velab/inspector-bridge/internal/protocol"
	"github.com/velab/inspector-bridge/internal/relayerr"
)

// State is the debuggee execution state as observed by the relay.
type State string

const (
	Running      State = "running"
	Paused       State = "paused"
	Disconnected State = "disconnected"
)

// Machine holds the current execution state for the active session.
type Machine struct {
	mu          sync.RWMutex
	state       State
	pauseReason string
	callFrames  json.RawMessage // opaque passthrough, never interpreted
	logger      zerolog.Logger
}

// New creates a machine in the Disconnected state and registers it as an
// observer on the dispatcher.
func New(d *dispatch.Dispatcher, logger zerolog.Logger) *Machine {
	m := &Machine{
		state:  Disconnected,
		logger: logger.With().Str("component", "execstate").Logger(),
	}
	d.SubscribeMatcher(dispatch.ExactMatcher(protocol.EventDebuggerPaused), m.onPaused)
	d.SubscribeMatcher(dispatch.ExactMatcher(protocol.EventDebuggerResumed), m.onResumed)
	d.SubscribeMatcher(dispatch.ExactMatcher(protocol.EventProxyClosed), m.onDisconnect)
	d.SubscribeMatcher(dispatch.ExactMatcher(protocol.EventWebSocketClose), m.onDisconnect)
	return m
}

// Start moves the machine to Running. Called when a session starts.
func (m *Machine) Start() {
	m.transition(Running, "", nil)
}

// SetDisconnected moves the machine to Disconnected. Called on session stop.
func (m *Machine) SetDisconnected() {
	m.transition(Disconnected, "", nil)
}

// State returns the current execution state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// PauseReason returns the reason reported by the last Debugger.paused event.
func (m *Machine) PauseReason() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pauseReason
}

// CallFrames returns the raw call-frame snapshot from the last pause.
func (m *Machine) CallFrames() json.RawMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callFrames
}

// CheckStep gates stepOver/stepInto/stepOut/resume: they are only meaningful
// while the target is paused.
func (m *Machine) CheckStep(op string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != Paused {
		return relayerr.NewStateError(op, string(m.state))
	}
	return nil
}

// CheckPause gates pause: it is only meaningful while the target is running.
func (m *Machine) CheckPause() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != Running {
		return &relayerr.StateError{
			Op:      "pause",
			State:   string(m.state),
			Message: "pause requires a running target (current state: " + string(m.state) + ")",
		}
	}
	return nil
}

func (m *Machine) onPaused(_ string, params json.RawMessage) {
	var p protocol.PausedParams
	if err := json.Unmarshal(params, &p); err != nil {
		m.logger.Warn().Err(err).Msg("unparseable Debugger.paused params")
	}
	m.transition(Paused, p.Reason, p.CallFrames)
}

func (m *Machine) onResumed(_ string, _ json.RawMessage) {
	m.transition(Running, "", nil)
}

func (m *Machine) onDisconnect(_ string, _ json.RawMessage) {
	m.transition(Disconnected, "", nil)
}

func (m *Machine) transition(to State, reason string, frames json.RawMessage) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.pauseReason = reason
	m.callFrames = frames
	m.mu.Unlock()
	if from != to {
		m.logger.Debug().
			Str("from", string(from)).
			Str("to", string(to)).
			Str("reason", reason).
			Msg("execution state changed")
	}
}
