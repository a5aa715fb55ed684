package domains

import (
	"context"
	"encoding/json"
	"fmt"
)

// Runtime is the typed facade over the Runtime domain.
type Runtime struct {
	Controller
}

// RemoteObject is the debuggee's value descriptor. Object ids are opaque;
// only primitive values are decoded.
type RemoteObject struct {
	Type        string          `json:"type"`
	Subtype     string          `json:"subtype,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
	Description string          `json:"description,omitempty"`
	ObjectID    string          `json:"objectId,omitempty"`
}

// EvaluateOptions are the optional knobs of Runtime.evaluate.
type EvaluateOptions struct {
	ReturnByValue bool `json:"returnByValue,omitempty"`
	AwaitPromise  bool `json:"awaitPromise,omitempty"`
	Silent        bool `json:"silent,omitempty"`
}

// EvaluateResult is the debuggee's answer to Runtime.evaluate.
type EvaluateResult struct {
	Result           RemoteObject    `json:"result"`
	ExceptionDetails json.RawMessage `json:"exceptionDetails,omitempty"`
}

// Evaluate runs an expression in the debuggee's global context.
func (r *Runtime) Evaluate(ctx context.Context, expression string, opts *EvaluateOptions) (*EvaluateResult, error) {
	params := map[string]any{"expression": expression}
	if opts != nil {
		if opts.ReturnByValue {
			params["returnByValue"] = true
		}
		if opts.AwaitPromise {
			params["awaitPromise"] = true
		}
		if opts.Silent {
			params["silent"] = true
		}
	}
	raw, err := r.Call(ctx, "evaluate", params)
	if err != nil {
		return nil, err
	}
	var result EvaluateResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unexpected evaluate result: %w", err)
	}
	return &result, nil
}

// GetProperties lists the properties of a remote object.
func (r *Runtime) GetProperties(ctx context.Context, objectID string, ownProperties bool) (json.RawMessage, error) {
	return r.Call(ctx, "getProperties", map[string]any{
		"objectId":      objectID,
		"ownProperties": ownProperties,
	})
}

// CallFunctionOn invokes a function with a remote object as receiver.
func (r *Runtime) CallFunctionOn(ctx context.Context, functionDeclaration, objectID string, args []json.RawMessage) (json.RawMessage, error) {
	params := map[string]any{
		"functionDeclaration": functionDeclaration,
		"objectId":            objectID,
	}
	if len(args) > 0 {
		wrapped := make([]map[string]json.RawMessage, len(args))
		for i, a := range args {
			wrapped[i] = map[string]json.RawMessage{"value": a}
		}
		params["arguments"] = wrapped
	}
	return r.Call(ctx, "callFunctionOn", params)
}
