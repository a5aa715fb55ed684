// Package correlator matches outgoing inspector commands to their responses.
//
// Each command is assigned a strictly increasing message id from the relay's
// global id space, recorded as a pending request, and serialized to the
// transport. The returned Future resolves when the matching response arrives,
// rejects on a protocol error, or times out after a bounded deadline. On
// transport loss every outstanding request is rejected; none is silently
// dropped.
package correlator

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/velab/inspector-bridge/internal/protocol"
	"github.com/velab/inspector-bridge/internal/relayerr"
)

// DefaultTimeout bounds how long a command may stay unanswered.
const DefaultTimeout = 5 * time.Second

// Transport writes a serialized frame to the debuggee connection.
type Transport interface {
	WriteFrame(data []byte) error
}

type outcome struct {
	result json.RawMessage
	err    error
}

type pending struct {
	id     uint64
	method string
	ch     chan outcome
	timer  *time.Timer
	sentAt time.Time
}

// Future is the completion handle of one in-flight command.
type Future struct {
	method string
	ch     <-chan outcome
}

// Wait blocks until the command resolves, rejects, or ctx is done.
func (f *Future) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case out := <-f.ch:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Correlator tracks pending requests keyed by message id.
type Correlator struct {
	nextID  *atomic.Uint64
	timeout time.Duration
	logger  zerolog.Logger

	mu        sync.Mutex
	transport Transport
	pending   map[uint64]*pending
}

// New creates a correlator drawing message ids from ids, which is shared with
// the relay so remapped client ids and controller ids never collide.
func New(ids *atomic.Uint64, timeout time.Duration, logger zerolog.Logger) *Correlator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Correlator{
		nextID:  ids,
		timeout: timeout,
		logger:  logger.With().Str("component", "correlator").Logger(),
		pending: make(map[uint64]*pending),
	}
}

// Attach connects the correlator to a live transport.
func (c *Correlator) Attach(t Transport) {
	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()
}

// Detach disconnects the transport and rejects every outstanding request with
// a ConnectionError so no caller waits forever.
func (c *Correlator) Detach() {
	c.mu.Lock()
	c.transport = nil
	orphans := make([]*pending, 0, len(c.pending))
	for _, p := range c.pending {
		orphans = append(orphans, p)
	}
	c.pending = make(map[uint64]*pending)
	c.mu.Unlock()

	for _, p := range orphans {
		p.timer.Stop()
		p.ch <- outcome{err: &relayerr.ConnectionError{
			Message: "connection closed while awaiting " + p.method,
		}}
	}
	if len(orphans) > 0 {
		c.logger.Warn().Int("count", len(orphans)).Msg("rejected pending requests on disconnect")
	}
}

// Connected reports whether a transport is attached.
func (c *Correlator) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport != nil
}

// Send serializes {id, method, params} to the transport and returns a Future
// for the response. With no transport attached the Future is already rejected
// with a "No active session" ConnectionError; it never waits on the timeout.
func (c *Correlator) Send(method string, params any) *Future {
	ch := make(chan outcome, 1)
	fut := &Future{method: method, ch: ch}

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			ch <- outcome{err: err}
			return fut
		}
		raw = data
	}

	c.mu.Lock()
	transport := c.transport
	if transport == nil {
		c.mu.Unlock()
		ch <- outcome{err: relayerr.NoActiveSession()}
		return fut
	}

	id := c.nextID.Add(1)
	p := &pending{
		id:     id,
		method: method,
		ch:     ch,
		sentAt: time.Now(),
	}
	p.timer = time.AfterFunc(c.timeout, func() { c.expire(id) })
	c.pending[id] = p
	c.mu.Unlock()

	frame, err := protocol.NewRequest(id, method, raw).Encode()
	if err != nil {
		c.reject(id, err)
		return fut
	}

	c.logger.Debug().Uint64("id", id).Str("method", method).Msg("sending command")
	if err := transport.WriteFrame(frame); err != nil {
		c.reject(id, &relayerr.ConnectionError{
			Message: "failed to send " + method + ": " + err.Error(),
		})
	}
	return fut
}

// Call is Send followed by Wait.
func (c *Correlator) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.Send(method, params).Wait(ctx)
}

// HandleResponse resolves or rejects the pending request matching msg.ID.
// It returns false when the id belongs to no pending request (e.g. a remapped
// client request owned by the relay's routing table).
func (c *Correlator) HandleResponse(msg *protocol.Message) bool {
	if msg.ID == nil {
		return false
	}
	c.mu.Lock()
	p, ok := c.pending[*msg.ID]
	if ok {
		delete(c.pending, *msg.ID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	p.timer.Stop()
	if msg.Error != nil {
		p.ch <- outcome{err: &relayerr.ProtocolError{
			Method:  p.method,
			Code:    msg.Error.Code,
			Message: msg.Error.Message,
		}}
		return true
	}
	c.logger.Debug().
		Uint64("id", p.id).
		Str("method", p.method).
		Dur("elapsed", time.Since(p.sentAt)).
		Msg("command resolved")
	p.ch <- outcome{result: msg.Result}
	return true
}

// PendingCount returns the number of in-flight requests.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) expire(id uint64) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.logger.Warn().Uint64("id", id).Str("method", p.method).Msg("command timed out")
	p.ch <- outcome{err: &relayerr.TimeoutError{Method: p.method, Timeout: c.timeout}}
}

func (c *Correlator) reject(id uint64, err error) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	p.timer.Stop()
	p.ch <- outcome{err: err}
}
