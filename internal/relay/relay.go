// Package relay implements the WebSocket proxy between UI clients and the
// debuggee's inspector endpoint.
//
// The relay owns exactly one upstream connection and zero or more downstream
// client connections. Client requests are rewritten into a relay-global id
// namespace before being forwarded upstream; the original id is restored when
// the matching response comes back, and the response is routed only to the
// client that issued it. Events (id-less messages) are broadcast to every
// connected client verbatim and published on the event dispatcher.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/velab/inspector-bridge/internal/correlator"
	"github.com/velab/inspector-bridge/internal/dispatch"
	"github.com/velab/inspector-bridge/internal/protocol"
)

// DefaultHandshakeTimeout bounds the wait for the upstream handshake
// (Proxy.ready).
const DefaultHandshakeTimeout = 10 * time.Second

// codeNoActiveSession is the JSON-RPC error code used when a client issues a
// request while no upstream connection exists.
const codeNoActiveSession = -32000

// TrafficLogger receives one entry per relayed frame. Implementations must
// not block.
type TrafficLogger interface {
	Log(direction, method string, id uint64, size int)
}

// route remembers which client issued the request behind a global id.
type route struct {
	clientID   string
	originalID uint64
}

// Relay is the protocol proxy.
type Relay struct {
	dispatcher *dispatch.Dispatcher
	corr       *correlator.Correlator
	logger     zerolog.Logger
	upgrader   websocket.Upgrader
	nextID     *atomic.Uint64
	dialer     *websocket.Dialer

	mu          sync.Mutex
	upstream    *websocket.Conn
	upstreamURL string
	eager       bool
	ready       chan struct{}
	clients     map[string]*Client
	routes      map[uint64]route
	traffic     TrafficLogger

	writeMu sync.Mutex // serializes upstream writes
}

// New creates a relay with no upstream connection. Command correlation shares
// the relay's global id counter so controller requests and remapped client
// requests never collide.
func New(d *dispatch.Dispatcher, commandTimeout time.Duration, logger zerolog.Logger) *Relay {
	ids := &atomic.Uint64{}
	r := &Relay{
		dispatcher: d,
		corr:       correlator.New(ids, commandTimeout, logger),
		logger:     logger.With().Str("component", "relay").Logger(),
		nextID:     ids,
		dialer: &websocket.Dialer{
			HandshakeTimeout: DefaultHandshakeTimeout,
		},
		upgrader: websocket.Upgrader{
			// The bridge fronts a local IDE shell; clients authenticate
			// with the per-session token instead of an Origin check.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ready:   make(chan struct{}),
		clients: make(map[string]*Client),
		routes:  make(map[uint64]route),
	}
	return r
}

// Correlator exposes the request correlator for the domain controllers.
func (r *Relay) Correlator() *correlator.Correlator {
	return r.corr
}

// SetTrafficLog installs an optional traffic logger.
func (r *Relay) SetTrafficLog(t TrafficLogger) {
	r.mu.Lock()
	r.traffic = t
	r.mu.Unlock()
}

// SetUpstreamURL records the inspector endpoint for lazy connects triggered
// by the first downstream client.
func (r *Relay) SetUpstreamURL(url string) {
	r.mu.Lock()
	r.upstreamURL = url
	r.mu.Unlock()
}

// ConnectUpstream eagerly opens the upstream connection. Called on session
// start; the connection then lives until the session stops.
func (r *Relay) ConnectUpstream(ctx context.Context, url string) error {
	return r.connect(ctx, url, true)
}

func (r *Relay) connect(ctx context.Context, url string, eager bool) error {
	r.mu.Lock()
	if r.upstream != nil {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	conn, resp, err := r.dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		r.dispatcher.Publish(protocol.EventWebSocketError, mustParams(protocol.WebSocketErrorParams{
			Message: err.Error(),
		}))
		return err
	}

	r.mu.Lock()
	if r.upstream != nil {
		// Lost the race against a concurrent connect.
		r.mu.Unlock()
		conn.Close()
		return nil
	}
	r.upstream = conn
	r.upstreamURL = url
	r.eager = eager
	ready := r.ready
	r.mu.Unlock()

	r.corr.Attach(r)
	go r.readLoop(conn)

	r.logger.Info().Str("url", url).Bool("eager", eager).Msg("upstream connected")
	r.dispatcher.Publish(protocol.EventWebSocketOpen, nil)
	r.dispatcher.Publish(protocol.EventProxyReady, nil)
	close(ready)
	return nil
}

// AwaitReady blocks until the upstream handshake has completed (Proxy.ready)
// or ctx is done.
func (r *Relay) AwaitReady(ctx context.Context) error {
	r.mu.Lock()
	ready := r.ready
	r.mu.Unlock()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected reports whether the upstream connection is live.
func (r *Relay) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upstream != nil
}

// WriteFrame sends a frame upstream. It implements correlator.Transport.
func (r *Relay) WriteFrame(data []byte) error {
	r.mu.Lock()
	conn := r.upstream
	r.mu.Unlock()
	if conn == nil {
		return &websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: "no upstream"}
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Shutdown closes the upstream and every client connection. Pending requests
// are rejected and Proxy.closed is published with wasClean=true.
func (r *Relay) Shutdown(reason string) {
	r.mu.Lock()
	conn := r.upstream
	r.upstream = nil
	r.upstreamURL = ""
	r.ready = make(chan struct{})
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = make(map[string]*Client)
	r.routes = make(map[uint64]route)
	r.mu.Unlock()

	r.corr.Detach()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		r.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		r.writeMu.Unlock()
		conn.Close()

		r.dispatcher.Publish(protocol.EventWebSocketClose, nil)
		r.dispatcher.Publish(protocol.EventProxyClosed, mustParams(protocol.ProxyClosedParams{
			Code:     websocket.CloseNormalClosure,
			Reason:   reason,
			WasClean: true,
		}))
	}
	for _, c := range clients {
		c.close()
	}
	r.logger.Info().Str("reason", reason).Int("clients", len(clients)).Msg("relay shut down")
}

// readLoop pumps upstream frames: responses to the correlator or the owning
// client, events to the dispatcher and every client.
func (r *Relay) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			r.handleUpstreamClose(conn, err)
			return
		}

		msg, perr := protocol.Parse(data)
		if perr != nil {
			r.logger.Warn().Err(perr).Msg("dropping malformed upstream frame")
			continue
		}

		if msg.ID != nil {
			if r.corr.HandleResponse(msg) {
				r.logTraffic("debuggee->bridge", msg.Method, *msg.ID, len(data))
				continue
			}
			r.routeResponse(msg, len(data))
			continue
		}

		// Event: publish, then broadcast verbatim.
		r.logTraffic("debuggee->clients", msg.Method, 0, len(data))
		r.dispatcher.Publish(msg.Method, msg.Params)
		r.broadcast(data)
	}
}

// routeResponse rewrites a response id back to the originating client's id
// and delivers it to that client only.
func (r *Relay) routeResponse(msg *protocol.Message, size int) {
	r.mu.Lock()
	rt, ok := r.routes[*msg.ID]
	if ok {
		delete(r.routes, *msg.ID)
	}
	client := r.clients[rt.clientID]
	r.mu.Unlock()

	if !ok {
		r.logger.Warn().Uint64("id", *msg.ID).Msg("response with unknown id")
		return
	}
	if client == nil {
		// Client went away while the request was in flight.
		r.logger.Debug().Uint64("id", *msg.ID).Msg("dropping response for disconnected client")
		return
	}

	r.logTraffic("debuggee->client", msg.Method, *msg.ID, size)
	orig := rt.originalID
	msg.ID = &orig
	data, err := msg.Encode()
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to re-encode response")
		return
	}
	if err := client.send(data); err != nil {
		r.logger.Warn().Err(err).Str("client", client.ID).Msg("client write failed")
		r.removeClient(client)
	}
}

func (r *Relay) broadcast(data []byte) {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	for _, c := range clients {
		if err := c.send(data); err != nil {
			r.logger.Warn().Err(err).Str("client", c.ID).Msg("client write failed")
			r.removeClient(c)
		}
	}
}

func (r *Relay) handleUpstreamClose(conn *websocket.Conn, err error) {
	r.mu.Lock()
	if r.upstream != conn {
		// Already torn down by Shutdown.
		r.mu.Unlock()
		return
	}
	r.upstream = nil
	r.ready = make(chan struct{})
	orphans := r.routes
	r.routes = make(map[uint64]route)
	r.mu.Unlock()

	r.corr.Detach()
	r.failRoutes(orphans, "connection closed")
	conn.Close()

	code := websocket.CloseAbnormalClosure
	reason := err.Error()
	wasClean := false
	if ce, ok := err.(*websocket.CloseError); ok {
		code = ce.Code
		reason = ce.Text
		wasClean = ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
	}
	if !wasClean {
		r.dispatcher.Publish(protocol.EventWebSocketError, mustParams(protocol.WebSocketErrorParams{
			Message: reason,
		}))
	}

	r.logger.Warn().Int("code", code).Str("reason", reason).Msg("upstream closed")
	r.dispatcher.Publish(protocol.EventWebSocketClose, nil)
	r.dispatcher.Publish(protocol.EventProxyClosed, mustParams(protocol.ProxyClosedParams{
		Code:     code,
		Reason:   reason,
		WasClean: wasClean,
	}))
}

// failRoutes answers every in-flight client request whose upstream connection
// is gone. Each owning client gets an error response with its original id
// restored, so no client waits forever on a request the debuggee will never
// answer.
func (r *Relay) failRoutes(orphans map[uint64]route, reason string) {
	if len(orphans) == 0 {
		return
	}
	r.mu.Lock()
	clients := make(map[string]*Client, len(r.clients))
	for id, c := range r.clients {
		clients[id] = c
	}
	r.mu.Unlock()

	for _, rt := range orphans {
		client := clients[rt.clientID]
		if client == nil {
			continue
		}
		resp := protocol.NewErrorResponse(rt.originalID, codeNoActiveSession, reason)
		data, err := resp.Encode()
		if err != nil {
			continue
		}
		if err := client.send(data); err != nil {
			r.logger.Debug().Err(err).Str("client", client.ID).Msg("client write failed")
		}
	}
	r.logger.Warn().Int("count", len(orphans)).Msg("failed in-flight client requests on disconnect")
}

func (r *Relay) logTraffic(direction, method string, id uint64, size int) {
	r.mu.Lock()
	t := r.traffic
	r.mu.Unlock()
	if t != nil {
		t.Log(direction, method, id, size)
	}
}

func mustParams(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// Payload structs are marshal-safe by construction.
		panic(err)
	}
	return data
}
