package relay

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/velab/inspector-bridge/internal/protocol"
)

// Client is one downstream UI connection.
type Client struct {
	ID   string
	conn *websocket.Conn

	writeMu sync.Mutex
	closed  bool
}

func (c *Client) send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return nil
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) close() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.conn.Close()
}

// HandleClient upgrades an HTTP request to a downstream proxy connection and
// pumps it until it closes. If the upstream is not yet connected and a URL is
// known, the first client triggers a lazy connect.
func (r *Relay) HandleClient(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error().Err(err).Msg("client upgrade failed")
		return
	}

	client := &Client{ID: uuid.New().String(), conn: conn}
	r.mu.Lock()
	r.clients[client.ID] = client
	url := r.upstreamURL
	connected := r.upstream != nil
	r.mu.Unlock()

	r.logger.Debug().
		Str("client", client.ID).
		Str("remote", conn.RemoteAddr().String()).
		Msg("client connected")

	if !connected && url != "" {
		if err := r.connect(req.Context(), url, false); err != nil {
			r.logger.Warn().Err(err).Msg("lazy upstream connect failed")
		}
	}

	go r.clientLoop(client)
}

func (r *Relay) clientLoop(client *Client) {
	defer r.removeClient(client)

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Warn().Err(err).Str("client", client.ID).Msg("client read error")
			} else {
				r.logger.Debug().Str("client", client.ID).Msg("client disconnected")
			}
			return
		}

		msg, perr := protocol.Parse(data)
		if perr != nil {
			r.logger.Warn().Err(perr).Str("client", client.ID).Msg("dropping malformed client frame")
			continue
		}
		if msg.ID == nil {
			// Clients only ever send requests; an id-less frame is noise.
			r.logger.Warn().Str("client", client.ID).Str("method", msg.Method).Msg("dropping id-less client frame")
			continue
		}

		r.forwardRequest(client, msg, len(data))
	}
}

// forwardRequest remaps the client-supplied id into the relay-global
// namespace and forwards the request upstream. Multiple independent clients
// issue overlapping, naively-numbered ids; without the remap their responses
// would collide or be misrouted.
func (r *Relay) forwardRequest(client *Client, msg *protocol.Message, size int) {
	originalID := *msg.ID

	r.mu.Lock()
	connected := r.upstream != nil
	var globalID uint64
	if connected {
		globalID = r.nextID.Add(1)
		r.routes[globalID] = route{clientID: client.ID, originalID: originalID}
	}
	r.mu.Unlock()

	if !connected {
		resp := protocol.NewErrorResponse(originalID, codeNoActiveSession, "No active session")
		data, _ := resp.Encode()
		if err := client.send(data); err != nil {
			r.removeClient(client)
		}
		return
	}

	msg.ID = &globalID
	data, err := msg.Encode()
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to re-encode client request")
		return
	}

	r.logTraffic("client->debuggee", msg.Method, globalID, size)
	if err := r.WriteFrame(data); err != nil {
		r.mu.Lock()
		delete(r.routes, globalID)
		r.mu.Unlock()
		resp := protocol.NewErrorResponse(originalID, codeNoActiveSession, "upstream write failed: "+err.Error())
		out, _ := resp.Encode()
		_ = client.send(out)
	}
}

// removeClient drops a client and purges its pending routes. When the
// upstream was opened lazily it is torn down once the last client is gone; an
// eagerly opened upstream belongs to the session and stays.
func (r *Relay) removeClient(client *Client) {
	r.mu.Lock()
	if _, ok := r.clients[client.ID]; !ok {
		r.mu.Unlock()
		client.close()
		return
	}
	delete(r.clients, client.ID)
	for gid, rt := range r.routes {
		if rt.clientID == client.ID {
			delete(r.routes, gid)
		}
	}
	lastClient := len(r.clients) == 0
	lazy := !r.eager
	r.mu.Unlock()

	client.close()
	r.logger.Debug().Str("client", client.ID).Msg("client removed")

	if lastClient && lazy && r.Connected() {
		r.logger.Info().Msg("last client gone, closing lazy upstream")
		r.closeUpstream("last client disconnected")
	}
}

// closeUpstream tears down the upstream connection outside of Shutdown.
func (r *Relay) closeUpstream(reason string) {
	r.mu.Lock()
	conn := r.upstream
	r.upstream = nil
	r.ready = make(chan struct{})
	orphans := r.routes
	r.routes = make(map[uint64]route)
	r.mu.Unlock()

	if conn == nil {
		return
	}
	r.corr.Detach()
	r.failRoutes(orphans, "connection closed")

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.Close()

	r.dispatcher.Publish(protocol.EventWebSocketClose, nil)
	r.dispatcher.Publish(protocol.EventProxyClosed, mustParams(protocol.ProxyClosedParams{
		Code:     websocket.CloseNormalClosure,
		Reason:   reason,
		WasClean: true,
	}))
}

// ClientCount returns the number of connected downstream clients.
func (r *Relay) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}
