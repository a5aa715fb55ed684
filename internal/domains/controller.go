// Package domains provides typed command/event facades for the inspector
// protocol domains (Debugger, Runtime, Console, Profiler, HeapProfiler,
// Schema).
//
// Controllers are thin pass-through wrappers over the request correlator;
// correctness is judged solely by correlation and serialization. Call frames,
// scopes, and object ids are opaque payload and never interpreted here.
package domains

import (
	"context"
	"encoding/json"

	"github.com/velab/inspector-bridge/internal/correlator"
	"github.com/velab/inspector-bridge/internal/dispatch"
	"github.com/velab/inspector-bridge/internal/execstate"
	"github.com/velab/inspector-bridge/internal/protocol"
)

// Controller is the base facade for one protocol domain.
type Controller struct {
	domain string
	corr   *correlator.Correlator
	disp   *dispatch.Dispatcher
}

// Domain returns the protocol domain name.
func (c *Controller) Domain() string {
	return c.domain
}

// Call issues domain.method and waits for the typed response payload.
func (c *Controller) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.corr.Call(ctx, c.domain+"."+method, params)
}

// Enable issues the domain's enable command.
func (c *Controller) Enable(ctx context.Context) error {
	_, err := c.Call(ctx, "enable", nil)
	return err
}

// Disable issues the domain's disable command.
func (c *Controller) Disable(ctx context.Context) error {
	_, err := c.Call(ctx, "disable", nil)
	return err
}

// On subscribes to one event of this domain ("paused" subscribes to
// "Debugger.paused"). The subscription never matches other domains' events.
func (c *Controller) On(event string, h dispatch.Handler) *dispatch.Subscription {
	return c.disp.SubscribeMatcher(dispatch.ExactMatcher(c.domain+"."+event), h)
}

// Once subscribes to one event for a single delivery.
func (c *Controller) Once(event string, h dispatch.Handler) *dispatch.Subscription {
	sub, _ := c.disp.Once(c.domain+"."+event, h)
	return sub
}

// Off removes a subscription obtained from On or Once.
func (c *Controller) Off(sub *dispatch.Subscription) {
	c.disp.Unsubscribe(sub)
}

// Set bundles one controller per protocol domain.
type Set struct {
	Debugger     *Debugger
	Runtime      *Runtime
	Console      *Console
	Profiler     *Profiler
	HeapProfiler *HeapProfiler
	Schema       *Schema
}

// NewSet builds the full controller set over a shared correlator and
// dispatcher. The Debugger controller is additionally wired to the execution
// state machine for its step guard.
func NewSet(corr *correlator.Correlator, disp *dispatch.Dispatcher, machine *execstate.Machine) *Set {
	base := func(domain string) Controller {
		return Controller{domain: domain, corr: corr, disp: disp}
	}
	return &Set{
		Debugger:     &Debugger{Controller: base(protocol.DomainDebugger), machine: machine},
		Runtime:      &Runtime{Controller: base(protocol.DomainRuntime)},
		Console:      &Console{Controller: base(protocol.DomainConsole)},
		Profiler:     &Profiler{Controller: base(protocol.DomainProfiler)},
		HeapProfiler: &HeapProfiler{Controller: base(protocol.DomainHeapProfiler)},
		Schema:       &Schema{Controller: base(protocol.DomainSchema)},
	}
}

// EnableCore enables the domains every session needs (Debugger, Runtime).
func (s *Set) EnableCore(ctx context.Context) error {
	if err := s.Debugger.Enable(ctx); err != nil {
		return err
	}
	return s.Runtime.Enable(ctx)
}
