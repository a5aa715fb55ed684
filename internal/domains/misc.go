package domains

import (
	"context"
	"encoding/json"
)

// Console is the typed facade over the (legacy) Console domain.
type Console struct {
	Controller
}

// ClearMessages clears the debuggee's console message buffer.
func (c *Console) ClearMessages(ctx context.Context) error {
	_, err := c.Call(ctx, "clearMessages", nil)
	return err
}

// Profiler is the typed facade over the CPU Profiler domain.
type Profiler struct {
	Controller
}

// Start begins CPU profiling.
func (p *Profiler) Start(ctx context.Context) error {
	_, err := p.Call(ctx, "start", nil)
	return err
}

// Stop ends CPU profiling and returns the raw profile.
func (p *Profiler) Stop(ctx context.Context) (json.RawMessage, error) {
	return p.Call(ctx, "stop", nil)
}

// SetSamplingInterval sets the profiler sampling interval in microseconds.
func (p *Profiler) SetSamplingInterval(ctx context.Context, micros int) error {
	_, err := p.Call(ctx, "setSamplingInterval", map[string]int{"interval": micros})
	return err
}

// HeapProfiler is the typed facade over the HeapProfiler domain.
type HeapProfiler struct {
	Controller
}

// CollectGarbage forces a garbage collection in the debuggee.
func (h *HeapProfiler) CollectGarbage(ctx context.Context) error {
	_, err := h.Call(ctx, "collectGarbage", nil)
	return err
}

// TakeHeapSnapshot asks the debuggee to stream a heap snapshot; chunks arrive
// as HeapProfiler.addHeapSnapshotChunk events.
func (h *HeapProfiler) TakeHeapSnapshot(ctx context.Context) error {
	_, err := h.Call(ctx, "takeHeapSnapshot", nil)
	return err
}

// Schema is the typed facade over the Schema domain.
type Schema struct {
	Controller
}

// DomainDescriptor is one entry of Schema.getDomains.
type DomainDescriptor struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// GetDomains lists the protocol domains the debuggee supports.
func (s *Schema) GetDomains(ctx context.Context) ([]DomainDescriptor, error) {
	raw, err := s.Call(ctx, "getDomains", nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Domains []DomainDescriptor `json:"domains"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	return result.Domains, nil
}
