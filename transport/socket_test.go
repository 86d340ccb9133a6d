package transport

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wpcrawl/httpengine/core"
)

// drive ticks the transport to completion, draining every pending event
// after each tick (a chunk left unread is overwritten by the next one,
// since CurrentChunk is a single scratch slot, not a queue — a real
// consumer must call AwaitNextEvent promptly for the same reason). It
// returns each request's accumulated response body.
func drive(t *testing.T, tr Transport, state *core.ClientState) map[int64][]byte {
	t.Helper()
	bodies := make(map[int64][]byte)
	deadline := time.Now().Add(5 * time.Second)
	for !state.AllTerminal() {
		if time.Now().After(deadline) {
			t.Fatal("transport did not reach a terminal state in time")
		}
		if _, err := tr.Tick(state, time.Now()); err != nil {
			t.Fatalf("Tick: %v", err)
		}
		for _, req := range state.Requests() {
			for {
				ev := state.PendingHighest(req.ID)
				if ev == core.NoEvent {
					break
				}
				state.ClearPending(req.ID, ev)
				if ev == core.EventBodyChunkAvailable {
					bodies[req.ID] = append(bodies[req.ID], state.CurrentChunk...)
				}
			}
		}
		time.Sleep(time.Millisecond)
	}
	return bodies
}

func TestSocketSimpleGET(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, "hello world")
	}))
	defer ts.Close()

	req, err := core.NewRequest("GET", ts.URL, nil, "")
	require.NoError(t, err)
	req.State = core.Enqueued

	state := core.NewClientState(4)
	state.AddRequest(req)

	bodies := drive(t, NewSocket(), state)

	require.Equal(t, core.Finished, req.State)
	require.NotNil(t, req.Response)
	assert.Equal(t, 200, req.Response.Status)
	assert.Equal(t, []byte("hello world"), bodies[req.ID])
}

func TestSocketChunkedResponse(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl, ok := w.(http.Flusher)
		require.True(t, ok)
		_, _ = fmt.Fprint(w, "first,")
		fl.Flush()
		_, _ = fmt.Fprint(w, "second")
		fl.Flush()
	}))
	defer ts.Close()

	req, err := core.NewRequest("GET", ts.URL, nil, "")
	require.NoError(t, err)
	req.State = core.Enqueued

	state := core.NewClientState(4)
	state.AddRequest(req)

	bodies := drive(t, NewSocket(), state)

	require.Equal(t, core.Finished, req.State)
	assert.Equal(t, []byte("first,second"), bodies[req.ID])
}

func TestSocketHeadHasNoBody(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "5")
	}))
	defer ts.Close()

	req, err := core.NewRequest("HEAD", ts.URL, nil, "")
	require.NoError(t, err)
	req.State = core.Enqueued

	state := core.NewClientState(4)
	state.AddRequest(req)

	bodies := drive(t, NewSocket(), state)

	require.Equal(t, core.Finished, req.State)
	assert.Empty(t, bodies[req.ID])
}

func TestSocketConnectFailureFails(t *testing.T) {
	t.Parallel()
	req, err := core.NewRequest("GET", "http://127.0.0.1:1", nil, "")
	require.NoError(t, err)
	req.TimeoutMS = 2000
	req.State = core.Enqueued

	state := core.NewClientState(4)
	state.AddRequest(req)

	drive(t, NewSocket(), state)

	assert.Equal(t, core.Failed, req.State)
	assert.Error(t, req.Err)
}

func TestSocketConcurrentRequests(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, r.URL.Path)
	}))
	defer ts.Close()

	state := core.NewClientState(2)
	var reqs []*core.Request
	for i := 0; i < 3; i++ {
		req, err := core.NewRequest("GET", ts.URL+fmt.Sprintf("/%d", i), nil, "")
		require.NoError(t, err)
		req.State = core.Enqueued
		state.AddRequest(req)
		reqs = append(reqs, req)
	}

	bodies := drive(t, NewSocket(), state)

	for i, req := range reqs {
		assert.Equal(t, core.Finished, req.State)
		assert.Equal(t, fmt.Sprintf("/%d", i), string(bodies[req.ID]))
	}
}
