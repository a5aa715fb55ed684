package domains

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velab/inspector-bridge/internal/correlator"
	"github.com/velab/inspector-bridge/internal/dispatch"
	"github.com/velab/inspector-bridge/internal/execstate"
	"github.com/velab/inspector-bridge/internal/protocol"
	"github.com/velab/inspector-bridge/internal/relayerr"
)

// scriptedTransport answers each request synchronously from a method table
// and records what was sent.
type scriptedTransport struct {
	corr    *correlator.Correlator
	answers map[string]string // method -> result JSON

	mu   sync.Mutex
	sent []*protocol.Message
}

func (t *scriptedTransport) WriteFrame(data []byte) error {
	msg, err := protocol.Parse(data)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.sent = append(t.sent, msg)
	t.mu.Unlock()

	result, ok := t.answers[msg.Method]
	if !ok {
		result = `{}`
	}
	resp := &protocol.Message{ID: msg.ID, Result: json.RawMessage(result)}
	go t.corr.HandleResponse(resp)
	return nil
}

func (t *scriptedTransport) sentMethods() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	methods := make([]string, len(t.sent))
	for i, m := range t.sent {
		methods[i] = m.Method
	}
	return methods
}

type fixture struct {
	set       *Set
	transport *scriptedTransport
	disp      *dispatch.Dispatcher
	machine   *execstate.Machine
}

func newFixture(t *testing.T, answers map[string]string) *fixture {
	t.Helper()
	ids := &atomic.Uint64{}
	corr := correlator.New(ids, 2*time.Second, zerolog.Nop())
	tr := &scriptedTransport{corr: corr, answers: answers}
	corr.Attach(tr)

	disp := dispatch.New(zerolog.Nop())
	machine := execstate.New(disp, zerolog.Nop())
	return &fixture{
		set:       NewSet(corr, disp, machine),
		transport: tr,
		disp:      disp,
		machine:   machine,
	}
}

func (f *fixture) pause(t *testing.T) {
	t.Helper()
	f.machine.Start()
	f.disp.Publish(protocol.EventDebuggerPaused, json.RawMessage(`{"reason":"other","callFrames":[]}`))
	require.Equal(t, execstate.Paused, f.machine.State())
}

func TestEnableCoreEnablesDebuggerAndRuntime(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.set.EnableCore(context.Background()))
	assert.Equal(t, []string{"Debugger.enable", "Runtime.enable"}, f.transport.sentMethods())
}

func TestRuntimeEvaluateArithmetic(t *testing.T) {
	f := newFixture(t, map[string]string{
		"Runtime.evaluate": `{"result":{"type":"number","value":4,"description":"4"}}`,
	})

	result, err := f.set.Runtime.Evaluate(context.Background(), "2+2", &EvaluateOptions{ReturnByValue: true})
	require.NoError(t, err)
	assert.Equal(t, "number", result.Result.Type)

	var value float64
	require.NoError(t, json.Unmarshal(result.Result.Value, &value))
	assert.Equal(t, float64(4), value)
}

func TestRuntimeEvaluateMathPI(t *testing.T) {
	f := newFixture(t, map[string]string{
		"Runtime.evaluate": `{"result":{"type":"number","value":3.141592653589793}}`,
	})

	result, err := f.set.Runtime.Evaluate(context.Background(), "Math.PI", nil)
	require.NoError(t, err)
	var value float64
	require.NoError(t, json.Unmarshal(result.Result.Value, &value))
	assert.InDelta(t, 3.14159, value, 1e-4)
}

func TestStepGuardNeverReachesTransport(t *testing.T) {
	f := newFixture(t, nil)
	f.machine.Start() // running, not paused
	ctx := context.Background()

	assert.True(t, relayerr.IsState(f.set.Debugger.StepOver(ctx)))
	assert.True(t, relayerr.IsState(f.set.Debugger.StepInto(ctx, false)))
	assert.True(t, relayerr.IsState(f.set.Debugger.StepOut(ctx)))
	assert.True(t, relayerr.IsState(f.set.Debugger.Resume(ctx, false)))

	assert.Empty(t, f.transport.sentMethods(), "guarded commands must not hit the wire")
}

func TestSteppingWhilePaused(t *testing.T) {
	f := newFixture(t, nil)
	f.pause(t)
	ctx := context.Background()

	require.NoError(t, f.set.Debugger.StepOver(ctx))
	require.NoError(t, f.set.Debugger.StepInto(ctx, true))
	assert.Equal(t, []string{"Debugger.stepOver", "Debugger.stepInto"}, f.transport.sentMethods())
}

func TestPauseGuard(t *testing.T) {
	f := newFixture(t, nil)
	f.pause(t)
	err := f.set.Debugger.Pause(context.Background())
	require.Error(t, err)
	assert.True(t, relayerr.IsState(err))
	assert.Empty(t, f.transport.sentMethods())
}

func TestSetBreakpointByURL(t *testing.T) {
	f := newFixture(t, map[string]string{
		"Debugger.setBreakpointByUrl": `{"breakpointId":"bp1","locations":[{"scriptId":"5","lineNumber":10}]}`,
	})

	col := 4
	result, err := f.set.Debugger.SetBreakpointByURL(context.Background(), "file:///ws/app.js", 10, &col, "x > 1")
	require.NoError(t, err)
	assert.Equal(t, "bp1", result.BreakpointID)

	sent := f.transport.sent
	require.Len(t, sent, 1)
	var params map[string]any
	require.NoError(t, json.Unmarshal(sent[0].Params, &params))
	assert.Equal(t, "file:///ws/app.js", params["url"])
	assert.Equal(t, float64(10), params["lineNumber"])
	assert.Equal(t, float64(4), params["columnNumber"])
	assert.Equal(t, "x > 1", params["condition"])
}

func TestSetPauseOnExceptionsValidatesState(t *testing.T) {
	f := newFixture(t, nil)
	err := f.set.Debugger.SetPauseOnExceptions(context.Background(), "sometimes")
	require.Error(t, err)
	assert.Empty(t, f.transport.sentMethods())

	require.NoError(t, f.set.Debugger.SetPauseOnExceptions(context.Background(), PauseOnExceptionsUncaught))
}

func TestSchemaGetDomains(t *testing.T) {
	f := newFixture(t, map[string]string{
		"Schema.getDomains": `{"domains":[{"name":"Debugger","version":"1.3"},{"name":"Runtime","version":"1.3"}]}`,
	})

	domains, err := f.set.Schema.GetDomains(context.Background())
	require.NoError(t, err)
	require.Len(t, domains, 2)
	assert.Equal(t, "Debugger", domains[0].Name)
}

func TestControllerEventSubscriptionScopedToDomain(t *testing.T) {
	f := newFixture(t, nil)
	var topics []string
	sub := f.set.Runtime.On("consoleAPICalled", func(topic string, _ json.RawMessage) {
		topics = append(topics, topic)
	})

	f.disp.Publish("Runtime.consoleAPICalled", nil)
	f.disp.Publish("Debugger.paused", json.RawMessage(`{}`))
	assert.Equal(t, []string{"Runtime.consoleAPICalled"}, topics)

	f.set.Runtime.Off(sub)
	f.disp.Publish("Runtime.consoleAPICalled", nil)
	assert.Len(t, topics, 1)
}

func TestControllerOnce(t *testing.T) {
	f := newFixture(t, nil)
	count := 0
	f.set.Debugger.Once("scriptParsed", func(string, json.RawMessage) { count++ })

	f.disp.Publish("Debugger.scriptParsed", nil)
	f.disp.Publish("Debugger.scriptParsed", nil)
	assert.Equal(t, 1, count)
}

func TestProfilerCommands(t *testing.T) {
	f := newFixture(t, map[string]string{
		"Profiler.stop": `{"profile":{"nodes":[],"startTime":0,"endTime":1}}`,
	})
	ctx := context.Background()

	require.NoError(t, f.set.Profiler.SetSamplingInterval(ctx, 100))
	require.NoError(t, f.set.Profiler.Start(ctx))
	profile, err := f.set.Profiler.Stop(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(profile), "nodes")
	assert.Equal(t, []string{"Profiler.setSamplingInterval", "Profiler.start", "Profiler.stop"}, f.transport.sentMethods())
}
