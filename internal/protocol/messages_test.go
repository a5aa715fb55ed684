package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest(t *testing.T) {
	msg, err := Parse([]byte(`{"id":7,"method":"Debugger.enable","params":{"maxScriptsCacheSize":100}}`))
	require.NoError(t, err)
	require.NotNil(t, msg.ID)
	assert.Equal(t, uint64(7), *msg.ID)
	assert.Equal(t, "Debugger.enable", msg.Method)
	assert.JSONEq(t, `{"maxScriptsCacheSize":100}`, string(msg.Params))
	assert.False(t, msg.IsEvent())
}

func TestParseResponse(t *testing.T) {
	msg, err := Parse([]byte(`{"id":3,"result":{"debuggerId":"x"}}`))
	require.NoError(t, err)
	assert.True(t, msg.IsResponse())
	assert.False(t, msg.IsEvent())
	assert.JSONEq(t, `{"debuggerId":"x"}`, string(msg.Result))
}

func TestParseErrorResponse(t *testing.T) {
	msg, err := Parse([]byte(`{"id":3,"error":{"code":-32601,"message":"method not found"}}`))
	require.NoError(t, err)
	require.NotNil(t, msg.Error)
	assert.Equal(t, -32601, msg.Error.Code)
	assert.Equal(t, "method not found", msg.Error.Message)
}

func TestParseEvent(t *testing.T) {
	msg, err := Parse([]byte(`{"method":"Debugger.paused","params":{"reason":"other"}}`))
	require.NoError(t, err)
	assert.True(t, msg.IsEvent())
	assert.False(t, msg.IsResponse())
	assert.Nil(t, msg.ID)
}

func TestParseMalformed(t *testing.T) {
	_, err := Parse([]byte(`{not json`))
	assert.Error(t, err)
}

func TestEncodeOmitsEmptyFields(t *testing.T) {
	data, err := NewEvent("Debugger.resumed", nil).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"Debugger.resumed"}`, string(data))

	data, err = NewRequest(1, "Runtime.enable", nil).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"method":"Runtime.enable"}`, string(data))
}

func TestEncodePreservesID(t *testing.T) {
	// ids survive a parse/encode round trip untouched; the relay depends on
	// this when it rewrites response ids.
	msg, err := Parse([]byte(`{"id":42,"result":{}}`))
	require.NoError(t, err)
	newID := uint64(9)
	msg.ID = &newID
	data, err := msg.Encode()
	require.NoError(t, err)

	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "9", string(out["id"]))
}

func TestDomain(t *testing.T) {
	tests := []struct {
		method string
		domain string
	}{
		{"Debugger.paused", "Debugger"},
		{"HeapProfiler.addHeapSnapshotChunk", "HeapProfiler"},
		{"Proxy.ready", "Proxy"},
		{"noprefix", ""},
		{"", ""},
		{".leading", ""},
	}
	for _, tt := range tests {
		msg := &Message{Method: tt.method}
		assert.Equal(t, tt.domain, msg.Domain(), "method %q", tt.method)
	}
}

func TestNewErrorResponse(t *testing.T) {
	data, err := NewErrorResponse(5, -32000, "No active session").Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":5,"error":{"code":-32000,"message":"No active session"}}`, string(data))
}

func TestSessionInfoSerialization(t *testing.T) {
	pid := 1234
	info := SessionInfo{
		SessionID:   "s1",
		TargetFile:  "/ws/app.js",
		InspectPort: 9229,
		ProxyPort:   9230,
		WsURL:       "ws://127.0.0.1:9229/abc",
		PID:         &pid,
		Status:      StatusRunning,
		CreatedAt:   "2026-01-01T00:00:00Z",
	}
	data, err := json.Marshal(info)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"running"`)
	assert.NotContains(t, string(data), "stoppedAt")
	assert.NotContains(t, string(data), `"token"`)
}
