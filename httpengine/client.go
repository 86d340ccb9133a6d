// Package httpengine assembles ClientState, the middleware chain, and a
// transport into the public façade: enqueue requests, pull events,
// inspect responses.
package httpengine

import (
	"context"
	"crypto/x509"
	"fmt"

	"github.com/wpcrawl/httpengine/core"
	"github.com/wpcrawl/httpengine/middleware"
	"github.com/wpcrawl/httpengine/stream"
	"github.com/wpcrawl/httpengine/transport"
)

// Default option values, applied when the caller leaves the
// corresponding Options field at its zero value.
const (
	DefaultConcurrency = 10
	DefaultTimeoutMS   = 30000
)

// TransportKind selects which Transport variant backs a Client.
type TransportKind string

const (
	TransportAuto   TransportKind = "auto"
	TransportCurl   TransportKind = "curl"
	TransportSocket TransportKind = "socket"
)

// Options configures a Client. Every field is optional.
type Options struct {
	Concurrency        int            `yaml:"concurrency"`
	TimeoutMS          int64          `yaml:"timeout-ms"`
	Transport          TransportKind  `yaml:"transport"`
	MaxRedirects       int            `yaml:"max-redirects"`
	CacheDir           string         `yaml:"cache-dir"`
	UserAgent          string         `yaml:"user-agent"`
	Proxies            []string       `yaml:"proxies"`
	RootCAs            *x509.CertPool `yaml:"-"`
	InsecureSkipVerify bool           `yaml:"insecure-skip-verify"`
}

// Client is the composed Redirection -> (Cache?) -> Http -> Transport
// chain, plus the pull API the consumer drives.
type Client struct {
	state     *core.ClientState
	chain     middleware.Middleware
	timeoutMS int64
	userAgent string
}

// New assembles a Client per opt.
func New(opt Options) (*Client, error) {
	concurrency := core.ZeroOr(opt.Concurrency, DefaultConcurrency)
	timeoutMS := core.ZeroOr(opt.TimeoutMS, DefaultTimeoutMS)
	state := core.NewClientState(concurrency)

	tr, err := buildTransport(opt)
	if err != nil {
		return nil, err
	}

	var chain middleware.Middleware = middleware.NewHttpMiddleware(state, tr)
	if opt.CacheDir != "" {
		chain = middleware.NewCacheMiddleware(state, chain, opt.CacheDir)
	}
	chain = middleware.NewRedirectionMiddleware(state, chain, opt.MaxRedirects, opt.UserAgent)

	return &Client{state: state, chain: chain, timeoutMS: timeoutMS, userAgent: opt.UserAgent}, nil
}

func buildTransport(opt Options) (transport.Transport, error) {
	kind := opt.Transport
	if kind == "" {
		kind = TransportAuto
	}

	switch kind {
	case TransportCurl:
		return newMulti(opt)
	case TransportSocket, TransportAuto:
		return newSocket(opt)
	default:
		return nil, fmt.Errorf("httpengine: unknown transport kind %q", kind)
	}
}

func newSocket(opt Options) (*transport.Socket, error) {
	s := transport.NewSocket()
	s.RootCAs = opt.RootCAs
	s.InsecureSkipVerify = opt.InsecureSkipVerify
	if len(opt.Proxies) > 0 {
		if err := s.SetProxies(opt.Proxies...); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func newMulti(opt Options) (*transport.Multi, error) {
	m := transport.NewMulti()
	m.RootCAs = opt.RootCAs
	m.InsecureSkipVerify = opt.InsecureSkipVerify
	if len(opt.Proxies) > 0 {
		if err := m.SetProxies(opt.Proxies...); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Enqueue admits a single Request into the chain, filling in TimeoutMS
// from the Client's options and Ctx with context.Background() when the
// Request left them unset. The User-Agent header is not touched here.
func (c *Client) Enqueue(req *core.Request) {
	if req.TimeoutMS == 0 {
		req.TimeoutMS = c.timeoutMS
	}
	if req.Ctx == nil {
		req.Ctx = context.Background()
	}
	c.chain.Enqueue(req)
}

// EnqueueURL builds a Request for method/rawURL via core.NewRequest and
// enqueues it.
func (c *Client) EnqueueURL(method, rawURL string, body stream.Reader) (*core.Request, error) {
	req, err := core.NewRequest(method, rawURL, body, c.userAgent)
	if err != nil {
		return nil, err
	}
	c.Enqueue(req)
	return req, nil
}

// AwaitNextEvent pulls one event into GetEvent/GetRequest/
// GetResponseBodyChunk, optionally restricted to ids (nil or empty means
// every tracked request). It returns false if no event arrived before
// the internal timeout budget elapsed.
func (c *Client) AwaitNextEvent(ids []int64) bool {
	return c.chain.AwaitNextEvent(ids)
}

// GetEvent returns the event most recently delivered by AwaitNextEvent.
func (c *Client) GetEvent() core.Event { return c.state.CurrentEvent }

// GetRequest returns the Request most recently delivered by
// AwaitNextEvent.
func (c *Client) GetRequest() (*core.Request, bool) {
	return c.state.Request(c.state.CurrentRequestID)
}

// GetResponse returns the Response of the Request most recently
// delivered by AwaitNextEvent, or nil if it has none yet.
func (c *Client) GetResponse() *core.Response {
	req, ok := c.GetRequest()
	if !ok {
		return nil
	}
	return req.Response
}

// GetResponseBodyChunk returns the bytes carried by the most recent
// BODY_CHUNK_AVAILABLE event (nil for any other event kind).
func (c *Client) GetResponseBodyChunk() []byte { return c.state.CurrentChunk }

// GetActiveRequests returns every tracked Request whose state is one of
// states (in enqueue order); an empty states list means every tracked
// Request regardless of state.
func (c *Client) GetActiveRequests(states ...core.RequestState) []*core.Request {
	all := c.state.Requests()
	if len(states) == 0 {
		return all
	}
	want := make(map[core.RequestState]bool, len(states))
	for _, s := range states {
		want[s] = true
	}
	out := make([]*core.Request, 0, len(all))
	for _, r := range all {
		if want[r.State] {
			out = append(out, r)
		}
	}
	return out
}

// Fetch enqueues a GET for rawURL, waits for GOT_HEADERS, and returns a
// stream.Reader that pulls the decoded body by driving the Client's own
// AwaitNextEvent loop underneath. This is a convenience for callers
// that just want one response body as a stream, without running their
// own event loop.
func (c *Client) Fetch(rawURL string) (*core.Response, stream.Reader, error) {
	req, err := c.EnqueueURL("GET", rawURL, nil)
	if err != nil {
		return nil, nil, err
	}
	return c.awaitBody(req)
}

// FetchRange is Fetch with a Range header set to bytes=offset-(offset+n-1).
// Per the accept-encoding/range interaction documented on Socket's
// header assembly, a Range request is never sent with
// accept-encoding: gzip (servers differ on whether compression happens
// before or after byte selection), which core.NewRequest's defaults
// don't add automatically but the transport's header assembly honours
// once Range is present.
func (c *Client) FetchRange(rawURL string, offset, n int64) (*core.Response, stream.Reader, error) {
	req, err := core.NewRequest("GET", rawURL, nil, c.userAgent)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("range", fmt.Sprintf("bytes=%d-%d", offset, offset+n-1))
	c.Enqueue(req)
	return c.awaitBody(req)
}

func (c *Client) awaitBody(req *core.Request) (*core.Response, stream.Reader, error) {
	for {
		if !c.AwaitNextEvent([]int64{req.ID}) {
			return nil, nil, fmt.Errorf("httpengine: timed out waiting for response headers")
		}
		switch c.GetEvent() {
		case core.EventGotHeaders:
			return req.Response, newClientBodyStream(c, req), nil
		case core.EventFailed:
			return nil, nil, req.Err
		case core.EventFinished:
			// A response with no body (204, 304, HEAD, Content-Length: 0)
			// reaches FINISHED without ever emitting GOT_HEADERS' sibling
			// body chunks; an empty stream is still a valid stream.
			return req.Response, stream.NewPipeFromBytes(nil), nil
		}
	}
}

// clientBodyStream adapts the Client's pull-event loop into a
// stream.Reader, so Fetch's caller can keep using the same Pull/Peek/
// Consume/Done contract as every other byte stream in this engine
// instead of learning the event API just to read one body.
type clientBodyStream struct {
	c    *Client
	req  *core.Request
	buf  []byte
	done bool
	err  error
}

func newClientBodyStream(c *Client, req *core.Request) *clientBodyStream {
	return &clientBodyStream{c: c, req: req}
}

func (s *clientBodyStream) Pull(n int) (int, error) {
	if s.done || len(s.buf) > 0 {
		return len(s.buf), s.err
	}
	if !s.c.AwaitNextEvent([]int64{s.req.ID}) {
		s.err = fmt.Errorf("httpengine: timed out waiting for response body")
		return 0, s.err
	}
	switch s.c.GetEvent() {
	case core.EventBodyChunkAvailable:
		s.buf = append(s.buf, s.c.GetResponseBodyChunk()...)
	case core.EventFinished:
		s.done = true
	case core.EventFailed:
		s.done = true
		s.err = s.req.Err
	}
	return len(s.buf), s.err
}

func (s *clientBodyStream) Peek() []byte { return s.buf }

func (s *clientBodyStream) Consume(n int) []byte {
	if n > len(s.buf) {
		n = len(s.buf)
	}
	out := s.buf[:n]
	s.buf = s.buf[n:]
	return out
}

func (s *clientBodyStream) Done() bool { return s.done && len(s.buf) == 0 }

func (s *clientBodyStream) Close() error { return nil }

func (s *clientBodyStream) Len() *int64 {
	if s.req.Response == nil {
		return nil
	}
	return s.req.Response.TotalBytes
}

var _ stream.Reader = (*clientBodyStream)(nil)
