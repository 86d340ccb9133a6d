package middleware

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wpcrawl/httpengine/core"
)

// scriptedMiddleware is a fake downstream for CacheMiddleware: it
// records every Enqueue and lets a test script the next event it
// hands back from AwaitNextEvent by calling push.
type scriptedMiddleware struct {
	state    *core.ClientState
	enqueued []*core.Request
	queue    []func()
}

func newScriptedMiddleware(state *core.ClientState) *scriptedMiddleware {
	return &scriptedMiddleware{state: state}
}

func (s *scriptedMiddleware) Enqueue(req *core.Request) {
	s.enqueued = append(s.enqueued, req)
	s.state.AddRequest(req)
}

// push queues a step that sets state.Current* and returns true from the
// next AwaitNextEvent call.
func (s *scriptedMiddleware) push(step func()) { s.queue = append(s.queue, step) }

func (s *scriptedMiddleware) AwaitNextEvent(ids []int64) bool {
	if len(s.queue) == 0 {
		return false
	}
	step := s.queue[0]
	s.queue = s.queue[1:]
	step()
	return true
}

func respondHeaders(state *core.ClientState, req *core.Request, status int, headers map[string]string) {
	h := core.NewHeader()
	for k, v := range headers {
		h.Set(k, v)
	}
	req.Response = &core.Response{Status: status, Header: h, Request: req}
	req.State = core.ReceivingBody
	state.CurrentRequestID = req.ID
	state.CurrentEvent = core.EventGotHeaders
}

func bodyChunk(state *core.ClientState, req *core.Request, chunk []byte) {
	state.CurrentRequestID = req.ID
	state.CurrentEvent = core.EventBodyChunkAvailable
	state.CurrentChunk = chunk
}

func finished(state *core.ClientState, req *core.Request) {
	req.State = core.Finished
	state.CurrentRequestID = req.ID
	state.CurrentEvent = core.EventFinished
}

func TestCacheMiddlewareMissStoresThenHits(t *testing.T) {
	dir := t.TempDir()
	state := core.NewClientState(4)
	next := newScriptedMiddleware(state)
	cm := NewCacheMiddleware(state, next, dir)
	fixed := time.Unix(1_700_000_000, 0)
	cm.now = func() time.Time { return fixed }

	req, err := core.NewRequest("GET", "http://example.com/a", nil, "")
	require.NoError(t, err)

	cm.Enqueue(req)
	require.Len(t, next.enqueued, 1, "a miss must forward downstream")
	assert.NotEmpty(t, req.CacheKey)

	next.push(func() { respondHeaders(state, req, 200, map[string]string{"cache-control": "max-age=3600"}) })
	require.True(t, cm.AwaitNextEvent(nil))
	assert.Equal(t, core.EventGotHeaders, state.CurrentEvent)

	next.push(func() { bodyChunk(state, req, []byte("CACHED")) })
	require.True(t, cm.AwaitNextEvent(nil))
	assert.Equal(t, core.EventBodyChunkAvailable, state.CurrentEvent)

	next.push(func() { finished(state, req) })
	require.True(t, cm.AwaitNextEvent(nil))
	assert.Equal(t, core.EventFinished, state.CurrentEvent)

	// Second request for the same URL must be served from disk, never
	// touching the downstream middleware again.
	next.enqueued = nil
	req2, err := core.NewRequest("GET", "http://example.com/a", nil, "")
	require.NoError(t, err)
	cm.Enqueue(req2)
	assert.Empty(t, next.enqueued, "a fresh hit must not forward downstream")

	ok := cm.AwaitNextEvent(nil)
	require.True(t, ok)
	require.Equal(t, core.EventGotHeaders, state.CurrentEvent)
	assert.Equal(t, 200, req2.Response.Status)

	var replayed []byte
	for {
		ok := cm.AwaitNextEvent(nil)
		require.True(t, ok)
		if state.CurrentEvent == core.EventFinished {
			break
		}
		require.Equal(t, core.EventBodyChunkAvailable, state.CurrentEvent)
		replayed = append(replayed, state.CurrentChunk...)
	}
	assert.Equal(t, "CACHED", string(replayed))
}

func TestCacheMiddlewareNonCacheableMethodInvalidatesAndForwards(t *testing.T) {
	dir := t.TempDir()
	state := core.NewClientState(4)
	next := newScriptedMiddleware(state)
	cm := NewCacheMiddleware(state, next, dir)

	getReq, err := core.NewRequest("GET", "http://example.com/a", nil, "")
	require.NoError(t, err)
	cm.Enqueue(getReq)
	next.push(func() { respondHeaders(state, getReq, 200, map[string]string{"cache-control": "max-age=3600"}) })
	require.True(t, cm.AwaitNextEvent(nil))
	next.push(func() { bodyChunk(state, getReq, []byte("V1")) })
	require.True(t, cm.AwaitNextEvent(nil))
	next.push(func() { finished(state, getReq) })
	require.True(t, cm.AwaitNextEvent(nil))

	postReq, err := core.NewRequest("POST", "http://example.com/a", nil, "")
	require.NoError(t, err)
	next.enqueued = nil
	cm.Enqueue(postReq)
	require.Len(t, next.enqueued, 1, "a non-GET/HEAD method always forwards")

	// The invalidated entry must miss on the next GET.
	getReq2, err := core.NewRequest("GET", "http://example.com/a", nil, "")
	require.NoError(t, err)
	next.enqueued = nil
	cm.Enqueue(getReq2)
	assert.Len(t, next.enqueued, 1, "invalidated entries must miss, not replay")
}

func TestCacheMiddlewareStaleHitAttachesConditionalHeaders(t *testing.T) {
	dir := t.TempDir()
	state := core.NewClientState(4)
	next := newScriptedMiddleware(state)
	cm := NewCacheMiddleware(state, next, dir)

	var tick time.Time
	cm.now = func() time.Time { return tick }
	tick = time.Unix(1_700_000_000, 0)

	req, err := core.NewRequest("GET", "http://example.com/a", nil, "")
	require.NoError(t, err)
	cm.Enqueue(req)
	next.push(func() {
		respondHeaders(state, req, 200, map[string]string{
			"cache-control": "max-age=1",
			"etag":          `"abc123"`,
		})
	})
	require.True(t, cm.AwaitNextEvent(nil))
	next.push(func() { finished(state, req) })
	require.True(t, cm.AwaitNextEvent(nil))

	// Advance time past max-age=1.
	tick = tick.Add(5 * time.Second)

	req2, err := core.NewRequest("GET", "http://example.com/a", nil, "")
	require.NoError(t, err)
	next.enqueued = nil
	cm.Enqueue(req2)
	require.Len(t, next.enqueued, 1, "a stale hit must revalidate downstream")
	assert.Equal(t, `"abc123"`, req2.Header.Get("if-none-match"))
}

func TestCacheMiddleware304PromotesCachedBody(t *testing.T) {
	dir := t.TempDir()
	state := core.NewClientState(4)
	next := newScriptedMiddleware(state)
	cm := NewCacheMiddleware(state, next, dir)

	var tick time.Time
	cm.now = func() time.Time { return tick }
	tick = time.Unix(1_700_000_000, 0)

	req, err := core.NewRequest("GET", "http://example.com/a", nil, "")
	require.NoError(t, err)
	cm.Enqueue(req)
	next.push(func() {
		respondHeaders(state, req, 200, map[string]string{
			"cache-control": "max-age=1",
			"etag":          `"abc123"`,
		})
	})
	require.True(t, cm.AwaitNextEvent(nil))
	next.push(func() { bodyChunk(state, req, []byte("ORIGINAL")) })
	require.True(t, cm.AwaitNextEvent(nil))
	next.push(func() { finished(state, req) })
	require.True(t, cm.AwaitNextEvent(nil))

	tick = tick.Add(5 * time.Second)

	req2, err := core.NewRequest("GET", "http://example.com/a", nil, "")
	require.NoError(t, err)
	cm.Enqueue(req2)

	next.push(func() { respondHeaders(state, req2, 304, map[string]string{}) })
	require.True(t, cm.AwaitNextEvent(nil))
	assert.Equal(t, core.EventGotHeaders, state.CurrentEvent)
	assert.Equal(t, 200, req2.Response.Status, "a 304 is promoted back to the cached status")

	// The empty 304 response completing downstream must not short-circuit
	// the cached-body replay.
	next.push(func() { finished(state, req2) })
	ok := cm.AwaitNextEvent(nil)
	require.True(t, ok)

	var replayed []byte
	for state.CurrentEvent != core.EventFinished {
		replayed = append(replayed, state.CurrentChunk...)
		ok := cm.AwaitNextEvent(nil)
		require.True(t, ok)
	}
	assert.Equal(t, "ORIGINAL", string(replayed))
}

func TestCacheMetaRoundTrip(t *testing.T) {
	dir := t.TempDir()
	maxAge := int64(3600)
	meta := &cacheMeta{
		URL:      "http://example.com/a",
		Status:   200,
		Headers:  map[string]string{"content-type": "text/plain"},
		StoredAt: 1_700_000_000,
		ETag:     `"abc"`,
		MaxAge:   &maxAge,
		VaryKeys: []string{"accept-encoding"},
	}
	path := dir + "/meta.json"
	require.NoError(t, writeMeta(path, meta))

	got, err := readMeta(path)
	require.NoError(t, err)
	if diff := cmp.Diff(meta, got); diff != "" {
		t.Fatalf("metadata round-trip mismatch (-want +got):\n%s", diff)
	}
}
