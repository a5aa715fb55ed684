package domains

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/velab/inspector-bridge/internal/execstate"
)

// PauseOnExceptionsState selects which thrown exceptions pause execution.
type PauseOnExceptionsState string

const (
	PauseOnExceptionsNone     PauseOnExceptionsState = "none"
	PauseOnExceptionsUncaught PauseOnExceptionsState = "uncaught"
	PauseOnExceptionsAll      PauseOnExceptionsState = "all"
)

// Debugger is the typed facade over the Debugger domain. Stepping commands
// are gated by the execution state machine: issued while the target is not
// paused they fail fast with a StateError and never reach the transport.
type Debugger struct {
	Controller
	machine *execstate.Machine
}

// BreakpointLocation is an opaque script location.
type BreakpointLocation struct {
	ScriptID     string `json:"scriptId"`
	LineNumber   int    `json:"lineNumber"`
	ColumnNumber *int   `json:"columnNumber,omitempty"`
}

// SetBreakpointByURLResult is the debuggee's answer to setBreakpointByUrl.
type SetBreakpointByURLResult struct {
	BreakpointID string          `json:"breakpointId"`
	Locations    json.RawMessage `json:"locations"`
}

// Pause requests a pause at the next statement. Only meaningful while the
// target is running.
func (d *Debugger) Pause(ctx context.Context) error {
	if err := d.machine.CheckPause(); err != nil {
		return err
	}
	_, err := d.Call(ctx, "pause", nil)
	return err
}

// Resume continues execution.
func (d *Debugger) Resume(ctx context.Context, terminateOnResume bool) error {
	if err := d.machine.CheckStep("resume"); err != nil {
		return err
	}
	var params any
	if terminateOnResume {
		params = map[string]bool{"terminateOnResume": true}
	}
	_, err := d.Call(ctx, "resume", params)
	return err
}

// StepOver steps over the next statement.
func (d *Debugger) StepOver(ctx context.Context) error {
	if err := d.machine.CheckStep("stepOver"); err != nil {
		return err
	}
	_, err := d.Call(ctx, "stepOver", nil)
	return err
}

// StepInto steps into the next function call.
func (d *Debugger) StepInto(ctx context.Context, breakOnAsyncCall bool) error {
	if err := d.machine.CheckStep("stepInto"); err != nil {
		return err
	}
	var params any
	if breakOnAsyncCall {
		params = map[string]bool{"breakOnAsyncCall": true}
	}
	_, err := d.Call(ctx, "stepInto", params)
	return err
}

// StepOut steps out of the current function.
func (d *Debugger) StepOut(ctx context.Context) error {
	if err := d.machine.CheckStep("stepOut"); err != nil {
		return err
	}
	_, err := d.Call(ctx, "stepOut", nil)
	return err
}

// SetBreakpointByURL sets a breakpoint by script URL and line.
func (d *Debugger) SetBreakpointByURL(ctx context.Context, url string, lineNumber int, columnNumber *int, condition string) (*SetBreakpointByURLResult, error) {
	params := map[string]any{
		"url":        url,
		"lineNumber": lineNumber,
	}
	if columnNumber != nil {
		params["columnNumber"] = *columnNumber
	}
	if condition != "" {
		params["condition"] = condition
	}
	raw, err := d.Call(ctx, "setBreakpointByUrl", params)
	if err != nil {
		return nil, err
	}
	var result SetBreakpointByURLResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unexpected setBreakpointByUrl result: %w", err)
	}
	return &result, nil
}

// RemoveBreakpoint removes a breakpoint by id.
func (d *Debugger) RemoveBreakpoint(ctx context.Context, breakpointID string) error {
	_, err := d.Call(ctx, "removeBreakpoint", map[string]string{"breakpointId": breakpointID})
	return err
}

// SetBreakpointsActive toggles all breakpoints without removing them.
func (d *Debugger) SetBreakpointsActive(ctx context.Context, active bool) error {
	_, err := d.Call(ctx, "setBreakpointsActive", map[string]bool{"active": active})
	return err
}

// SetPauseOnExceptions configures exception pausing.
func (d *Debugger) SetPauseOnExceptions(ctx context.Context, state PauseOnExceptionsState) error {
	switch state {
	case PauseOnExceptionsNone, PauseOnExceptionsUncaught, PauseOnExceptionsAll:
	default:
		return fmt.Errorf("invalid pauseOnExceptions state %q", state)
	}
	_, err := d.Call(ctx, "setPauseOnExceptions", map[string]string{"state": string(state)})
	return err
}

// EvaluateOnCallFrame evaluates an expression on a paused call frame. The
// call frame id is opaque payload from the last paused event.
func (d *Debugger) EvaluateOnCallFrame(ctx context.Context, expression, callFrameID string) (json.RawMessage, error) {
	return d.Call(ctx, "evaluateOnCallFrame", map[string]string{
		"expression":  expression,
		"callFrameId": callFrameID,
	})
}

// SetVariableValue changes a variable in a call frame scope.
func (d *Debugger) SetVariableValue(ctx context.Context, scopeNumber int, variableName string, newValue json.RawMessage, callFrameID string) error {
	_, err := d.Call(ctx, "setVariableValue", map[string]any{
		"scopeNumber":  scopeNumber,
		"variableName": variableName,
		"newValue":     newValue,
		"callFrameId":  callFrameID,
	})
	return err
}

// RestartFrame restarts execution of the given call frame.
func (d *Debugger) RestartFrame(ctx context.Context, callFrameID string) (json.RawMessage, error) {
	return d.Call(ctx, "restartFrame", map[string]string{"callFrameId": callFrameID})
}

// GetPossibleBreakpoints lists valid breakpoint positions near a location.
func (d *Debugger) GetPossibleBreakpoints(ctx context.Context, start BreakpointLocation) (json.RawMessage, error) {
	return d.Call(ctx, "getPossibleBreakpoints", map[string]any{"start": start})
}
