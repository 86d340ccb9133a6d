package middleware

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/wpcrawl/httpengine/core"
)

// replayChunkSize bounds how much of a cached body is handed to the
// consumer per BODY_CHUNK_AVAILABLE event during replay.
const replayChunkSize = 64 * 1024

// hopByHopHeaders are excluded from the end-to-end header merge applied
// to a 304 revalidation response.
var hopByHopHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// cacheableStatus is the set of statuses CacheMiddleware will store, per
// RFC 7231's cacheable-by-default list.
var cacheableStatus = map[int]bool{
	200: true, 203: true, 204: true, 206: true, 300: true,
	301: true, 404: true, 405: true, 410: true, 414: true, 501: true,
}

// cacheMeta is the on-disk metadata record for one cached response.
type cacheMeta struct {
	URL          string            `json:"url"`
	Status       int               `json:"status"`
	Headers      map[string]string `json:"headers"`
	StoredAt     int64             `json:"stored_at"`
	ETag         string            `json:"etag,omitempty"`
	LastModified string            `json:"last_modified,omitempty"`
	MaxAge       *int64            `json:"max_age,omitempty"`
	SMaxAge      *int64            `json:"s_maxage,omitempty"`
	VaryKeys     []string          `json:"vary_keys,omitempty"`
}

// entry tracks the bookkeeping CacheMiddleware needs between a
// request's Enqueue and its eventual FINISHED/FAILED.
type entry struct {
	base string // "<dir>/<sha1(url)>_<cachekey>" with no extension

	// revalidating is set while the request carries conditional headers
	// against a stale cached entry, waiting to see whether the
	// downstream response is a 304.
	revalidating bool
	cached       *cacheMeta
	cachedBody   []byte

	// replaying holds a fresh hit's bytes still to be streamed back to
	// the consumer.
	replaying []byte
	replayPos int

	// storing buffers a cacheable downstream response's body into a
	// temp file until FINISHED promotes it into place.
	storing bool
	tmpPath string
	tmpFile *os.File
	meta    *cacheMeta
}

// CacheMiddleware is a disk-backed, RFC-7234-flavoured cache sitting
// between RedirectionMiddleware and HttpMiddleware. It intercepts
// GOT_HEADERS to serve fresh hits without touching the network, attaches
// conditional headers to stale hits, and persists cacheable responses as
// their bytes stream past on their way to the consumer.
type CacheMiddleware struct {
	next  Middleware
	state *core.ClientState
	dir   string
	now   func() time.Time

	entries map[int64]*entry
}

// NewCacheMiddleware returns a CacheMiddleware storing entries under
// dir and forwarding to next.
func NewCacheMiddleware(state *core.ClientState, next Middleware, dir string) *CacheMiddleware {
	return &CacheMiddleware{
		next:    next,
		state:   state,
		dir:     dir,
		now:     time.Now,
		entries: make(map[int64]*entry),
	}
}

// Enqueue looks up a cached entry for req. A miss or a stale hit
// forwards downstream (the latter with conditional headers attached); a
// fresh hit is served from disk without forwarding; a hit against a
// non-cacheable method invalidates every stored variant and forwards.
func (m *CacheMiddleware) Enqueue(req *core.Request) {
	urlHash := sha1Hex(req.URL.String())

	if !cacheableMethod(req.Method) {
		if m.hasAnyVariant(urlHash) {
			m.invalidateAll(urlHash)
		}
		m.next.Enqueue(req)
		return
	}

	meta, base, found := m.lookup(urlHash, req)
	req.CacheKey = base

	if !found {
		m.entries[req.ID] = &entry{base: base}
		m.next.Enqueue(req)
		return
	}

	if isFresh(meta, m.now()) {
		body, err := os.ReadFile(base + ".body")
		if err == nil {
			req.State = core.Enqueued
			m.state.AddRequest(req)
			m.entries[req.ID] = &entry{base: base, replaying: body}
			return
		}
		// Metadata survived without its body: treat as a miss.
		m.entries[req.ID] = &entry{base: base}
		m.next.Enqueue(req)
		return
	}

	if meta.ETag != "" {
		req.Header.Set("if-none-match", meta.ETag)
	}
	if meta.LastModified != "" {
		req.Header.Set("if-modified-since", meta.LastModified)
	}
	body, _ := os.ReadFile(base + ".body")
	m.entries[req.ID] = &entry{base: base, revalidating: true, cached: meta, cachedBody: body}
	m.next.Enqueue(req)
}

// AwaitNextEvent implements Middleware.
func (m *CacheMiddleware) AwaitNextEvent(ids []int64) bool {
	if id, ok := m.pickReplaying(ids); ok {
		m.stepReplay(id)
		return true
	}

	if !m.next.AwaitNextEvent(ids) {
		return false
	}

	id := m.state.CurrentRequestID
	e := m.entries[id]
	if e == nil {
		return true
	}

	switch m.state.CurrentEvent {
	case core.EventGotHeaders:
		m.onGotHeaders(e)
	case core.EventBodyChunkAvailable:
		if e.storing && e.tmpFile != nil {
			_, _ = e.tmpFile.Write(m.state.CurrentChunk)
		}
	case core.EventFinished:
		if e.replaying != nil {
			// This FINISHED belongs to the empty 304 response that
			// authorised replaying the cached body, not to the replay
			// itself: swallow it and step the replay instead.
			m.stepReplay(id)
			return true
		}
		m.finishStoring(e)
		delete(m.entries, id)
	case core.EventFailed:
		m.abortStoring(e)
		delete(m.entries, id)
	}
	return true
}

func (m *CacheMiddleware) pickReplaying(ids []int64) (int64, bool) {
	for id, e := range m.entries {
		if e.replaying == nil {
			continue
		}
		if len(ids) > 0 && !contains(ids, id) {
			continue
		}
		return id, true
	}
	return 0, false
}

// stepReplay emits one event (GOT_HEADERS, a body chunk, or FINISHED)
// for a fresh-hit replay without ever touching the transport.
func (m *CacheMiddleware) stepReplay(id int64) {
	e := m.entries[id]
	req, ok := m.state.Request(id)
	if !ok {
		delete(m.entries, id)
		return
	}

	if req.Response == nil {
		meta, err := readMeta(e.base + ".json")
		if err != nil {
			delete(m.entries, id)
			m.failRequest(req, err)
			return
		}
		req.Response = synthesizeResponse(meta, req, int64(len(e.replaying)))
		req.State = core.ReceivingBody
		m.state.CurrentEvent = core.EventGotHeaders
		m.state.CurrentRequestID = id
		return
	}

	remaining := e.replaying[e.replayPos:]
	if len(remaining) == 0 {
		req.State = core.Finished
		m.state.CurrentEvent = core.EventFinished
		m.state.CurrentRequestID = id
		delete(m.entries, id)
		return
	}

	n := replayChunkSize
	if n > len(remaining) {
		n = len(remaining)
	}
	chunk := remaining[:n]
	e.replayPos += n
	req.Response.ReceivedBytes += int64(n)
	m.state.CurrentEvent = core.EventBodyChunkAvailable
	m.state.CurrentRequestID = id
	m.state.CurrentChunk = chunk
}

func (m *CacheMiddleware) failRequest(req *core.Request, err error) {
	req.Err = err
	req.State = core.Failed
	m.state.CurrentEvent = core.EventFailed
	m.state.CurrentRequestID = req.ID
}

// onGotHeaders observes the downstream response headers: a 304 against
// an in-progress revalidation promotes the cached body in place of the
// network response and rewrites req.Response into a replay; any other
// cacheable response starts buffering its body into a temp file.
func (m *CacheMiddleware) onGotHeaders(e *entry) {
	req, ok := m.state.Request(m.state.CurrentRequestID)
	if !ok || req.Response == nil {
		return
	}

	if e.revalidating && req.Response.Status == 304 {
		merged := mergeEndToEnd(headerMap(e.cached.Headers), req.Response.Header)
		meta := e.cached
		meta.Headers = flattenHeader(merged)
		meta.StoredAt = m.now().Unix()
		setFreshnessFields(meta, merged, m.now())
		_ = writeMeta(e.base+".json", meta)
		e.revalidating = false
		e.replaying = e.cachedBody
		e.replayPos = 0
		req.Response = synthesizeResponse(meta, req, int64(len(e.cachedBody)))
		req.State = core.ReceivingBody
		m.state.CurrentEvent = core.EventGotHeaders
		return
	}
	e.revalidating = false

	if !canStore(req.Method, req.Response.Status, req.Response.Header) {
		return
	}

	f, err := os.CreateTemp(m.dir, "cache-*.tmp")
	if err != nil {
		return
	}
	meta := &cacheMeta{
		URL:      req.URL.String(),
		Status:   req.Response.Status,
		Headers:  flattenHeader(req.Response.Header),
		StoredAt: m.now().Unix(),
	}
	meta.VaryKeys = varyKeys(req.Response.Header)
	if len(meta.VaryKeys) > 0 && meta.VaryKeys[0] != "*" {
		urlHash := sha1Hex(req.URL.String())
		e.base = variantBase(m.dir, urlHash, varyHash(req.Header, meta.VaryKeys))
	}
	setFreshnessFields(meta, req.Response.Header, m.now())

	e.storing = true
	e.tmpFile = f
	e.tmpPath = f.Name()
	e.meta = meta
}

func (m *CacheMiddleware) finishStoring(e *entry) {
	if !e.storing {
		return
	}
	_ = e.tmpFile.Close()
	if err := os.Rename(e.tmpPath, e.base+".body"); err != nil {
		_ = os.Remove(e.tmpPath)
		return
	}
	_ = writeMeta(e.base+".json", e.meta)
}

func (m *CacheMiddleware) abortStoring(e *entry) {
	if e.storing && e.tmpFile != nil {
		_ = e.tmpFile.Close()
		_ = os.Remove(e.tmpPath)
	}
}

func cacheableMethod(method string) bool {
	return method == "GET" || method == "HEAD"
}

func canStore(method string, status int, respHeader *core.Header) bool {
	if !cacheableMethod(method) {
		return false
	}
	if !cacheableStatus[status] {
		return false
	}
	cc := parseCacheControl(respHeader.Get("cache-control"))
	_, noStore := cc["no-store"]
	return !noStore
}

func varyKeys(respHeader *core.Header) []string {
	v := respHeader.Get("vary")
	if v == "" {
		return nil
	}
	var keys []string
	for _, part := range strings.Split(v, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		if part == "*" {
			return []string{"*"}
		}
		keys = append(keys, part)
	}
	sort.Strings(keys)
	return keys
}

func varyHash(reqHeader *core.Header, keys []string) string {
	h := sha1.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(reqHeader.Get(k)))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func variantBase(dir, urlHash, cacheKey string) string {
	return filepath.Join(dir, urlHash+"_"+cacheKey)
}

// lookup scans <dir>/<urlHash>_*.json for a candidate whose recorded
// Vary keys, applied to the current request's header values, reproduce
// the cache-key hash embedded in its own filename. The Vary set for a
// URL is not known before the first fetch, so every candidate is a
// guess checked against its own stored VaryKeys. When nothing matches,
// the returned base path is the one a subsequent store would use (Vary
// keys unknown, empty hash).
func (m *CacheMiddleware) lookup(urlHash string, req *core.Request) (*cacheMeta, string, bool) {
	matches, _ := filepath.Glob(filepath.Join(m.dir, urlHash+"_*.json"))
	for _, path := range matches {
		meta, err := readMeta(path)
		if err != nil {
			continue
		}
		base := strings.TrimSuffix(path, ".json")
		key := strings.TrimPrefix(filepath.Base(base), urlHash+"_")
		if len(meta.VaryKeys) == 1 && meta.VaryKeys[0] == "*" {
			continue
		}
		if key == varyHash(req.Header, meta.VaryKeys) {
			return meta, base, true
		}
	}
	return nil, variantBase(m.dir, urlHash, varyHash(req.Header, nil)), false
}

func (m *CacheMiddleware) hasAnyVariant(urlHash string) bool {
	matches, _ := filepath.Glob(filepath.Join(m.dir, urlHash+"_*.json"))
	return len(matches) > 0
}

func (m *CacheMiddleware) invalidateAll(urlHash string) {
	matches, _ := filepath.Glob(filepath.Join(m.dir, urlHash+"_*"))
	for _, path := range matches {
		_ = os.Remove(path)
	}
}

func contains(ids []int64, id int64) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func readMeta(path string) (*cacheMeta, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var meta cacheMeta
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func writeMeta(path string, meta *cacheMeta) error {
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func flattenHeader(h *core.Header) map[string]string {
	out := make(map[string]string, h.Len())
	h.Each(func(name, value string) { out[strings.ToLower(name)] = value })
	return out
}

func headerMap(flat map[string]string) *core.Header {
	h := core.NewHeader()
	for name, value := range flat {
		h.Set(name, value)
	}
	return h
}

// mergeEndToEnd overwrites dst's end-to-end headers (everything but the
// hop-by-hop set, plus whatever Connection names) with src's values,
// the merge a 304 response authorises against the cached representation.
func mergeEndToEnd(dst *core.Header, src *core.Header) *core.Header {
	excluded := map[string]struct{}{}
	for k := range hopByHopHeaders {
		excluded[k] = struct{}{}
	}
	for _, extra := range strings.Split(src.Get("connection"), ",") {
		extra = strings.ToLower(strings.TrimSpace(extra))
		if extra != "" {
			excluded[extra] = struct{}{}
		}
	}
	src.Each(func(name, value string) {
		if _, ok := excluded[strings.ToLower(name)]; ok {
			return
		}
		dst.Set(name, value)
	})
	return dst
}

func synthesizeResponse(meta *cacheMeta, req *core.Request, total int64) *core.Response {
	n := total
	return &core.Response{
		Proto:      "HTTP/1.1",
		Status:     meta.Status,
		Header:     headerMap(meta.Headers),
		Request:    req,
		TotalBytes: &n,
	}
}

func setFreshnessFields(meta *cacheMeta, respHeader *core.Header, now time.Time) {
	cc := parseCacheControl(respHeader.Get("cache-control"))
	meta.ETag = respHeader.Get("etag")
	meta.LastModified = respHeader.Get("last-modified")
	meta.MaxAge = nil
	meta.SMaxAge = nil
	if v, ok := cc["s-maxage"]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			meta.SMaxAge = &n
		}
	}
	if v, ok := cc["max-age"]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			meta.MaxAge = &n
		}
	}
}

// isFresh implements the freshness rule literally: effective max-age is
// s-maxage if present, else max-age, else (absent must-revalidate) a
// heuristic of 10% of the age the response already had when stored,
// derived from Last-Modified. Fresh iff (now - stored-at) < effective
// max-age.
func isFresh(meta *cacheMeta, now time.Time) bool {
	var effectiveMaxAge int64
	switch {
	case meta.SMaxAge != nil:
		effectiveMaxAge = *meta.SMaxAge
	case meta.MaxAge != nil:
		effectiveMaxAge = *meta.MaxAge
	case meta.LastModified != "":
		if _, ok := parseCacheControl(meta.Headers["cache-control"])["must-revalidate"]; ok {
			return false
		}
		lm, err := http1Date(meta.LastModified)
		if err != nil {
			return false
		}
		age := time.Unix(meta.StoredAt, 0).Sub(lm)
		if age <= 0 {
			return false
		}
		effectiveMaxAge = int64(age.Seconds() * 0.10)
	default:
		return false
	}
	return now.Unix()-meta.StoredAt < effectiveMaxAge
}

func http1Date(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC1123, time.RFC1123Z, time.RFC850, time.ANSIC} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cache: unparseable date %q", s)
}

func parseCacheControl(header string) map[string]string {
	cc := make(map[string]string)
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if name, value, ok := strings.Cut(part, "="); ok {
			cc[strings.TrimSpace(name)] = strings.Trim(strings.TrimSpace(value), `"`)
		} else {
			cc[part] = ""
		}
	}
	return cc
}
