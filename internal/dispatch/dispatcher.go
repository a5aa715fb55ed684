// Package dispatch implements pattern-based publish/subscribe for protocol
// events. Subscribers register a topic matcher (exact, domain wildcard, or
// regular expression) and receive matching events in registration order.
package dispatch

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Handler receives a published event. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(topic string, params json.RawMessage)

// Subscription is a live registration in the dispatcher.
type Subscription struct {
	ID      string
	matcher Matcher
	handler Handler
	once    bool
}

// Dispatcher fans events out to matching subscriptions.
type Dispatcher struct {
	mu     sync.RWMutex
	subs   []*Subscription
	logger zerolog.Logger
}

// New creates an empty dispatcher.
func New(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		logger: logger.With().Str("component", "dispatch").Logger(),
	}
}

// Subscribe registers a handler for topics matching pattern.
func (d *Dispatcher) Subscribe(pattern string, h Handler) (*Subscription, error) {
	m, err := ParsePattern(pattern)
	if err != nil {
		return nil, err
	}
	return d.SubscribeMatcher(m, h), nil
}

// SubscribeMatcher registers a handler with a pre-built matcher.
func (d *Dispatcher) SubscribeMatcher(m Matcher, h Handler) *Subscription {
	return d.add(m, h, false)
}

// Once registers a handler that is removed after its first delivery.
func (d *Dispatcher) Once(pattern string, h Handler) (*Subscription, error) {
	m, err := ParsePattern(pattern)
	if err != nil {
		return nil, err
	}
	return d.add(m, h, true), nil
}

func (d *Dispatcher) add(m Matcher, h Handler, once bool) *Subscription {
	sub := &Subscription{
		ID:      uuid.New().String(),
		matcher: m,
		handler: h,
		once:    once,
	}
	d.mu.Lock()
	d.subs = append(d.subs, sub)
	d.mu.Unlock()
	return sub
}

// Unsubscribe removes exactly one subscription. Other subscriptions sharing
// the same pattern are unaffected. Unknown handles are ignored.
func (d *Dispatcher) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeLocked(sub.ID)
}

func (d *Dispatcher) removeLocked(id string) bool {
	for i, s := range d.subs {
		if s.ID == id {
			d.subs = append(d.subs[:i], d.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish delivers an event to every live subscription whose matcher accepts
// the topic, in registration order. Each handler is invoked independently; a
// panicking handler is logged and does not prevent delivery to the rest.
func (d *Dispatcher) Publish(topic string, params json.RawMessage) {
	d.mu.RLock()
	matched := make([]*Subscription, 0, 4)
	for _, sub := range d.subs {
		if sub.matcher.Matches(topic) {
			matched = append(matched, sub)
		}
	}
	d.mu.RUnlock()

	for _, sub := range matched {
		if sub.once {
			// Remove before invoking so concurrent publishes cannot
			// deliver a once-subscription twice.
			d.mu.Lock()
			removed := d.removeLocked(sub.ID)
			d.mu.Unlock()
			if !removed {
				continue
			}
		}
		d.invoke(sub, topic, params)
	}
}

func (d *Dispatcher) invoke(sub *Subscription, topic string, params json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("topic", topic).
				Str("subscription", sub.ID).
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()
	sub.handler(topic, params)
}

// Len returns the number of live subscriptions.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}
