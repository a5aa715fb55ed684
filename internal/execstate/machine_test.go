package execstate

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velab/inspector-bridge/internal/dispatch"
	"github.com/velab/inspector-bridge/internal/protocol"
	"github.com/velab/inspector-bridge/internal/relayerr"
)

func newTestMachine(t *testing.T) (*Machine, *dispatch.Dispatcher) {
	t.Helper()
	d := dispatch.New(zerolog.Nop())
	return New(d, zerolog.Nop()), d
}

func TestInitialStateIsDisconnected(t *testing.T) {
	m, _ := newTestMachine(t)
	assert.Equal(t, Disconnected, m.State())
}

func TestStartMovesToRunning(t *testing.T) {
	m, _ := newTestMachine(t)
	m.Start()
	assert.Equal(t, Running, m.State())
}

func TestPausedEventCapturesReasonAndFrames(t *testing.T) {
	m, d := newTestMachine(t)
	m.Start()

	d.Publish(protocol.EventDebuggerPaused, json.RawMessage(
		`{"reason":"breakpoint","callFrames":[{"callFrameId":"0"}]}`))

	assert.Equal(t, Paused, m.State())
	assert.Equal(t, "breakpoint", m.PauseReason())
	assert.JSONEq(t, `[{"callFrameId":"0"}]`, string(m.CallFrames()))
}

func TestResumedEventClearsPauseState(t *testing.T) {
	m, d := newTestMachine(t)
	m.Start()
	d.Publish(protocol.EventDebuggerPaused, json.RawMessage(`{"reason":"other","callFrames":[]}`))
	d.Publish(protocol.EventDebuggerResumed, nil)

	assert.Equal(t, Running, m.State())
	assert.Empty(t, m.PauseReason())
	assert.Nil(t, m.CallFrames())
}

func TestProxyClosedDisconnects(t *testing.T) {
	m, d := newTestMachine(t)
	m.Start()
	d.Publish(protocol.EventProxyClosed, json.RawMessage(`{"code":1006,"reason":"","wasClean":false}`))
	assert.Equal(t, Disconnected, m.State())
}

func TestWebSocketCloseDisconnects(t *testing.T) {
	m, d := newTestMachine(t)
	m.Start()
	d.Publish(protocol.EventWebSocketClose, nil)
	assert.Equal(t, Disconnected, m.State())
}

func TestCheckStepGuardMatrix(t *testing.T) {
	tests := []struct {
		state State
		ok    bool
	}{
		{Paused, true},
		{Running, false},
		{Disconnected, false},
	}
	for _, tt := range tests {
		m, d := newTestMachine(t)
		switch tt.state {
		case Running:
			m.Start()
		case Paused:
			m.Start()
			d.Publish(protocol.EventDebuggerPaused, json.RawMessage(`{"reason":"other","callFrames":[]}`))
		}

		err := m.CheckStep("stepOver")
		if tt.ok {
			assert.NoError(t, err, "state %s", tt.state)
			continue
		}
		require.Error(t, err, "state %s", tt.state)
		assert.True(t, relayerr.IsState(err))
		var se *relayerr.StateError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "stepOver", se.Op)
		assert.Equal(t, string(tt.state), se.State)
	}
}

func TestCheckPauseRequiresRunning(t *testing.T) {
	m, d := newTestMachine(t)
	assert.Error(t, m.CheckPause())

	m.Start()
	assert.NoError(t, m.CheckPause())

	d.Publish(protocol.EventDebuggerPaused, json.RawMessage(`{"reason":"other","callFrames":[]}`))
	err := m.CheckPause()
	require.Error(t, err)
	assert.True(t, relayerr.IsState(err))
}

func TestUnparseablePausedParamsStillPauses(t *testing.T) {
	m, d := newTestMachine(t)
	m.Start()
	d.Publish(protocol.EventDebuggerPaused, json.RawMessage(`not json`))
	assert.Equal(t, Paused, m.State())
}
