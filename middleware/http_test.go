package middleware

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wpcrawl/httpengine/core"
	"github.com/wpcrawl/httpengine/transport"
)

// fakeTransport lets tests script exactly when a request's events
// become pending, without any real socket I/O.
type fakeTransport struct {
	ticks int
	onTick func(state *core.ClientState, tick int)
}

func (f *fakeTransport) Tick(state *core.ClientState, now time.Time) (bool, error) {
	f.ticks++
	if f.onTick != nil {
		f.onTick(state, f.ticks)
	}
	return true, nil
}

var _ transport.Transport = (*fakeTransport)(nil)

func TestHttpMiddlewareEnqueueRegistersRequest(t *testing.T) {
	state := core.NewClientState(4)
	m := NewHttpMiddleware(state, &fakeTransport{})

	req, err := core.NewRequest("GET", "http://example.com/", nil, "")
	require.NoError(t, err)

	m.Enqueue(req)

	assert.Equal(t, core.Enqueued, req.State)
	got, ok := state.Request(req.ID)
	require.True(t, ok)
	assert.Same(t, req, got)
}

func TestHttpMiddlewareAwaitNextEventDeliversOnSecondTick(t *testing.T) {
	state := core.NewClientState(4)
	var target int64
	tr := &fakeTransport{onTick: func(state *core.ClientState, tick int) {
		if tick == 2 {
			state.SetPending(target, core.EventGotHeaders)
		}
	}}
	m := NewHttpMiddleware(state, tr)

	req, err := core.NewRequest("GET", "http://example.com/", nil, "")
	require.NoError(t, err)
	target = req.ID
	m.Enqueue(req)

	ok := m.AwaitNextEvent(nil)
	require.True(t, ok)
	assert.Equal(t, core.EventGotHeaders, state.CurrentEvent)
	assert.Equal(t, req.ID, state.CurrentRequestID)
	assert.GreaterOrEqual(t, tr.ticks, 2)
}

func TestHttpMiddlewareAwaitNextEventPrioritizesGotHeadersOverBodyChunk(t *testing.T) {
	state := core.NewClientState(4)
	m := NewHttpMiddleware(state, &fakeTransport{})

	req, err := core.NewRequest("GET", "http://example.com/", nil, "")
	require.NoError(t, err)
	m.Enqueue(req)

	state.SetPending(req.ID, core.EventBodyChunkAvailable)
	state.SetPending(req.ID, core.EventGotHeaders)

	ok := m.AwaitNextEvent(nil)
	require.True(t, ok)
	assert.Equal(t, core.EventGotHeaders, state.CurrentEvent)

	// The body chunk is still pending; a second call should surface it
	// since GOT_HEADERS was cleared.
	ok = m.AwaitNextEvent(nil)
	require.True(t, ok)
	assert.Equal(t, core.EventBodyChunkAvailable, state.CurrentEvent)
}

func TestHttpMiddlewareAwaitNextEventFiltersByID(t *testing.T) {
	state := core.NewClientState(4)
	m := NewHttpMiddleware(state, &fakeTransport{})

	reqA, err := core.NewRequest("GET", "http://example.com/a", nil, "")
	require.NoError(t, err)
	reqB, err := core.NewRequest("GET", "http://example.com/b", nil, "")
	require.NoError(t, err)
	m.Enqueue(reqA)
	m.Enqueue(reqB)

	state.SetPending(reqA.ID, core.EventGotHeaders)

	ok := m.AwaitNextEvent([]int64{reqB.ID})
	assert.False(t, ok, "reqA's event must not leak through a filter naming only reqB")
}

func TestHttpMiddlewareBudgetFloorsAtMinimum(t *testing.T) {
	state := core.NewClientState(4)
	m := NewHttpMiddleware(state, &fakeTransport{})

	req, err := core.NewRequest("GET", "http://example.com/", nil, "")
	require.NoError(t, err)
	req.TimeoutMS = 10
	m.Enqueue(req)

	d := m.budget([]int64{req.ID})
	assert.Equal(t, minAwaitBudget, d)
}

func TestHttpMiddlewareBudgetScalesWithTimeout(t *testing.T) {
	state := core.NewClientState(4)
	m := NewHttpMiddleware(state, &fakeTransport{})

	req, err := core.NewRequest("GET", "http://example.com/", nil, "")
	require.NoError(t, err)
	req.TimeoutMS = 10000
	m.Enqueue(req)

	d := m.budget([]int64{req.ID})
	assert.Equal(t, time.Duration(11000)*time.Millisecond, d)
}

func TestHttpMiddlewareAwaitNextEventTimesOut(t *testing.T) {
	state := core.NewClientState(4)
	m := NewHttpMiddleware(state, &fakeTransport{})

	req, err := core.NewRequest("GET", "http://example.com/", nil, "")
	require.NoError(t, err)
	req.TimeoutMS = 1
	m.Enqueue(req)

	ok := m.AwaitNextEvent(nil)
	assert.False(t, ok)
}
