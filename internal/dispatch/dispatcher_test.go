package dispatch

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher() *Dispatcher {
	return New(zerolog.Nop())
}

func TestParsePattern(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		match   bool
	}{
		{"Debugger.paused", "Debugger.paused", true},
		{"Debugger.paused", "Debugger.resumed", false},
		{"Debugger.*", "Debugger.paused", true},
		{"Debugger.*", "Debugger.scriptParsed", true},
		{"Debugger.*", "Runtime.consoleAPICalled", false},
		{"Debugger.*", "Debugger", false},
		{"Runtime\\.console.*", "Runtime.consoleAPICalled", true},
		{"Runtime\\.console.*", "Runtime.executionContextCreated", false},
		{"(Debugger|Runtime)\\..*", "Runtime.consoleAPICalled", true},
		{"(Debugger|Runtime)\\..*", "Profiler.consoleProfileStarted", false},
		{"Proxy.ready", "Proxy.ready", true},
	}
	for _, tt := range tests {
		m, err := ParsePattern(tt.pattern)
		require.NoError(t, err, "pattern %q", tt.pattern)
		assert.Equal(t, tt.match, m.Matches(tt.topic), "pattern %q topic %q", tt.pattern, tt.topic)
	}
}

func TestParsePatternRejectsInvalid(t *testing.T) {
	_, err := ParsePattern("")
	assert.Error(t, err)
	_, err = ParsePattern("Debugger.(unclosed")
	assert.Error(t, err)
}

func TestRegexPatternIsAnchored(t *testing.T) {
	m, err := ParsePattern("Debugger\\.p.*")
	require.NoError(t, err)
	assert.True(t, m.Matches("Debugger.paused"))
	// A substring match would accept this; anchoring must not.
	assert.False(t, m.Matches("XDebugger.paused"))
}

func TestPublishDeliversInRegistrationOrder(t *testing.T) {
	d := newTestDispatcher()
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		_, err := d.Subscribe("Debugger.*", func(string, json.RawMessage) {
			order = append(order, i)
		})
		require.NoError(t, err)
	}
	d.Publish("Debugger.paused", nil)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestPublishPassesTopicAndParams(t *testing.T) {
	d := newTestDispatcher()
	var gotTopic string
	var gotParams json.RawMessage
	_, err := d.Subscribe("Runtime.*", func(topic string, params json.RawMessage) {
		gotTopic = topic
		gotParams = params
	})
	require.NoError(t, err)

	d.Publish("Runtime.consoleAPICalled", json.RawMessage(`{"type":"log"}`))
	assert.Equal(t, "Runtime.consoleAPICalled", gotTopic)
	assert.JSONEq(t, `{"type":"log"}`, string(gotParams))
}

func TestUnsubscribeRemovesOnlyTarget(t *testing.T) {
	d := newTestDispatcher()
	var a, b int
	subA, err := d.Subscribe("Debugger.paused", func(string, json.RawMessage) { a++ })
	require.NoError(t, err)
	_, err = d.Subscribe("Debugger.paused", func(string, json.RawMessage) { b++ })
	require.NoError(t, err)

	d.Publish("Debugger.paused", nil)
	d.Unsubscribe(subA)
	d.Publish("Debugger.paused", nil)

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
	assert.Equal(t, 1, d.Len())
}

func TestUnsubscribeUnknownIsNoop(t *testing.T) {
	d := newTestDispatcher()
	d.Unsubscribe(nil)
	d.Unsubscribe(&Subscription{ID: "missing"})
	assert.Equal(t, 0, d.Len())
}

func TestOnceDeliversOnce(t *testing.T) {
	d := newTestDispatcher()
	count := 0
	_, err := d.Once("Proxy.ready", func(string, json.RawMessage) { count++ })
	require.NoError(t, err)

	d.Publish("Proxy.ready", nil)
	d.Publish("Proxy.ready", nil)
	assert.Equal(t, 1, count)
	assert.Equal(t, 0, d.Len())
}

func TestPanickingHandlerDoesNotStopDelivery(t *testing.T) {
	d := newTestDispatcher()
	delivered := false
	_, err := d.Subscribe("Debugger.*", func(string, json.RawMessage) {
		panic("boom")
	})
	require.NoError(t, err)
	_, err = d.Subscribe("Debugger.*", func(string, json.RawMessage) {
		delivered = true
	})
	require.NoError(t, err)

	d.Publish("Debugger.paused", nil)
	assert.True(t, delivered)
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	d := newTestDispatcher()
	var count sync.WaitGroup
	var mu sync.Mutex
	seen := 0

	_, err := d.Subscribe("Runtime.*", func(string, json.RawMessage) {
		mu.Lock()
		seen++
		mu.Unlock()
	})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		count.Add(2)
		go func() {
			defer count.Done()
			d.Publish("Runtime.consoleAPICalled", nil)
		}()
		go func() {
			defer count.Done()
			sub, _ := d.Subscribe("Debugger.paused", func(string, json.RawMessage) {})
			d.Unsubscribe(sub)
		}()
	}
	count.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 20, seen)
}
