// Package protocol defines the wire model for the V8/Node Inspector Protocol
// (the Chrome DevTools Protocol dialect) plus the relay's own synthetic events
// and the payloads of the session-management REST surface.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Protocol domains exposed through typed controllers.
const (
	DomainDebugger     = "Debugger"
	DomainRuntime      = "Runtime"
	DomainConsole      = "Console"
	DomainProfiler     = "Profiler"
	DomainHeapProfiler = "HeapProfiler"
	DomainSchema       = "Schema"
)

// Synthetic relay-level events. These are not part of the inspector wire
// protocol; they are delivered through the same event dispatcher so higher
// layers can await connection lifecycle without polling.
const (
	EventProxyReady     = "Proxy.ready"
	EventProxyClosed    = "Proxy.closed"
	EventWebSocketOpen  = "WebSocket.open"
	EventWebSocketClose = "WebSocket.close"
	EventWebSocketError = "WebSocket.error"

	// Debuggee execution-state events observed by the state machine.
	EventDebuggerPaused  = "Debugger.paused"
	EventDebuggerResumed = "Debugger.resumed"
)

// ============================================================================
// Wire envelope
// ============================================================================

// Message is the inspector wire envelope. A request carries ID+Method+Params,
// a response carries ID and exactly one of Result or Error, and an event
// carries Method+Params with no ID.
type Message struct {
	ID     *uint64         `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the JSON-RPC error object returned by the debuggee.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// NewRequest builds a request message. Params may be nil.
func NewRequest(id uint64, method string, params json.RawMessage) *Message {
	return &Message{ID: &id, Method: method, Params: params}
}

// NewEvent builds an event (id-less) message.
func NewEvent(method string, params json.RawMessage) *Message {
	return &Message{Method: method, Params: params}
}

// NewErrorResponse builds an error response for the given request id.
func NewErrorResponse(id uint64, code int, message string) *Message {
	return &Message{ID: &id, Error: &ErrorObject{Code: code, Message: message}}
}

// Parse decodes a raw frame into a Message.
func Parse(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed protocol message: %w", err)
	}
	return &msg, nil
}

// IsEvent reports whether the message is a notification (no id).
func (m *Message) IsEvent() bool {
	return m.ID == nil && m.Method != ""
}

// IsResponse reports whether the message answers a prior request.
func (m *Message) IsResponse() bool {
	return m.ID != nil && m.Method == ""
}

// Domain returns the domain part of the method ("Debugger" for
// "Debugger.paused"), or "" when the method has no domain prefix.
func (m *Message) Domain() string {
	if i := strings.IndexByte(m.Method, '.'); i > 0 {
		return m.Method[:i]
	}
	return ""
}

// Encode serializes the message for the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// ============================================================================
// Synthetic event payloads
// ============================================================================

// ProxyClosedParams is the payload of Proxy.closed.
type ProxyClosedParams struct {
	Code     int    `json:"code"`
	Reason   string `json:"reason"`
	WasClean bool   `json:"wasClean"`
}

// WebSocketErrorParams is the payload of WebSocket.error.
type WebSocketErrorParams struct {
	Message string `json:"message"`
}

// PausedParams is the subset of Debugger.paused the relay looks at. Call
// frames are opaque passthrough; the relay never interprets them.
type PausedParams struct {
	Reason     string          `json:"reason"`
	CallFrames json.RawMessage `json:"callFrames"`
}

// ============================================================================
// Session management REST surface
// ============================================================================

// SessionStatus is the lifecycle state of a debug session.
type SessionStatus string

const (
	StatusStarting SessionStatus = "starting"
	StatusRunning  SessionStatus = "running"
	StatusPaused   SessionStatus = "paused"
	StatusStopped  SessionStatus = "stopped"
)

// SessionInfo is the session metadata returned to collaborators.
type SessionInfo struct {
	SessionID   string        `json:"sessionId"`
	TargetFile  string        `json:"targetFile"`
	InspectPort int           `json:"inspectPort"`
	ProxyPort   int           `json:"proxyPort"`
	WsURL       string        `json:"wsUrl"`
	PID         *int          `json:"pid,omitempty"`
	Status      SessionStatus `json:"status"`
	CreatedAt   string        `json:"createdAt"` // RFC 3339
	StoppedAt   *string       `json:"stoppedAt,omitempty"`

	// Token is the relay access token, returned exactly once on start.
	Token string `json:"token,omitempty"`
}

// StartSessionRequest is the body of POST /debug/session.
type StartSessionRequest struct {
	File         string `json:"file"`
	BreakOnStart bool   `json:"breakOnStart,omitempty"`
}

// SessionResponse wraps a single session for the REST surface.
type SessionResponse struct {
	Session SessionInfo `json:"session"`
}

// SessionListResponse is the body of GET /debug/sessions.
type SessionListResponse struct {
	Sessions []SessionInfo `json:"sessions"`
}

// SuccessResponse acknowledges a state-changing REST call.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// ErrorResponse is the REST error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Timestamp formats t the way the REST surface expects.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
