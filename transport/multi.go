package transport

import (
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"

	"github.com/wpcrawl/httpengine/core"
	"github.com/wpcrawl/httpengine/errs"
	"github.com/wpcrawl/httpengine/stream"
	"github.com/wpcrawl/httpengine/transport/h2support"
)

type multiPhase int

const (
	multiDialing multiPhase = iota
	multiRoundTripping
	multiReadingBody
)

type roundTripOutcome struct {
	resp *http.Response
	err  error
}

type dialConnOutcome struct {
	cc  *http2.ClientConn
	err error
}

// pendingDial lets every request racing to be first to a given origin
// observe the same dial result: the dialing goroutine writes result then
// closes done, and a closed channel can be received from by any number
// of goroutines (unlike a plain result channel, which only one receiver
// could drain).
type pendingDial struct {
	done   chan struct{}
	result dialConnOutcome
}

// multiStream is the per-request scratch state for the Multi transport,
// modeling a single "easy handle" riding a shared multiplexed
// connection: one goroutine issues the HTTP/2 RoundTrip and reports back
// over a channel, a second pumps the response body into the request's
// Connection.Raw pipe, and Tick only ever drains those channels
// non-blockingly.
type multiStream struct {
	phase multiPhase

	dial     *pendingDial
	respCh   chan roundTripOutcome
	pumpDone chan error
}

// Multi is a multiplexed transport: many requests to
// the same origin share one connection (here, one HTTP/2
// golang.org/x/net/http2.ClientConn per origin, negotiated over uTLS),
// analogous to libcurl's multi handle running several easy handles over
// pooled connections. It requires an HTTP/2-capable, TLS-terminated
// origin: plain-HTTP (h2c) is not supported, and a request with an http
// URL fails with InvalidScheme.
type Multi struct {
	h2        *http2.Transport
	pool      map[string]*http2.ClientConn
	conns     map[int64]*multiStream
	proxies   *roundRobinProxy
	dialCache map[string]*pendingDial

	// RootCAs and InsecureSkipVerify customize certificate verification
	// for the uTLS handshake; both are zero-value by default (verify
	// against the system roots), and exist for private CAs and for
	// tests driving this transport against an httptest TLS server.
	RootCAs            *x509.CertPool
	InsecureSkipVerify bool
}

// NewMulti returns a ready Multi transport.
func NewMulti() *Multi {
	return &Multi{
		h2:        new(http2.Transport),
		pool:      make(map[string]*http2.ClientConn),
		conns:     make(map[int64]*multiStream),
		dialCache: make(map[string]*pendingDial),
	}
}

// SetProxies configures a fixed round-robin proxy pool for this
// transport's origin dials.
func (m *Multi) SetProxies(rawURLs ...string) error {
	rr, err := newRoundRobinProxy(rawURLs...)
	if err != nil {
		return err
	}
	m.proxies = rr
	return nil
}

func originKey(req *core.Request) string {
	host := req.URL.Hostname()
	port := req.URL.Port()
	if port == "" {
		port = "443"
	}
	return net.JoinHostPort(host, port)
}

// Tick advances every active request's HTTP/2 round trip and body pump
// by one non-blocking step.
func (m *Multi) Tick(state *core.ClientState, now time.Time) (bool, error) {
	progressed := CheckTimeouts(state, now)

	for _, req := range state.ActiveSlice() {
		if req.URL.Scheme != "https" {
			m.fail(state, req, errs.New(errs.InvalidScheme, "the multiplexed transport requires https"))
			progressed = true
			continue
		}
		switch req.State {
		case core.Enqueued:
			m.begin(state, req, now)
			progressed = true
		default:
			if m.step(state, req, now) {
				progressed = true
			}
		}
	}

	for _, req := range state.Requests() {
		if req.State.Terminal() {
			delete(m.conns, req.ID)
		}
	}

	return progressed, nil
}

func (m *Multi) fail(state *core.ClientState, req *core.Request, e error) {
	req.Err = e
	req.State = core.Failed
	state.SetPending(req.ID, core.EventFailed)
	state.ReleaseConnection(req.ID)
}

func (m *Multi) begin(state *core.ClientState, req *core.Request, now time.Time) {
	conn := core.NewConnection(req.ID, now)
	ms := &multiStream{phase: multiDialing}
	conn.Handle = ms
	m.conns[req.ID] = ms
	state.SetConnection(req.ID, conn)
	req.State = core.WillEnableCrypto

	origin := originKey(req)
	if cc, ok := m.pool[origin]; ok && cc.CanTakeNewRequest() {
		ms.phase = multiRoundTripping
		ms.respCh = make(chan roundTripOutcome, 1)
		m.startRoundTrip(state, req, cc, ms)
		return
	}

	if pd, ok := m.dialCache[origin]; ok {
		ms.dial = pd
		return
	}

	pd := &pendingDial{done: make(chan struct{})}
	m.dialCache[origin] = pd
	ms.dial = pd

	dialAddr := origin
	if p := ProxyFromContext(req.Ctx); p != nil {
		dialAddr = p.Host
	} else if m.proxies != nil {
		dialAddr = m.proxies.next().Host
	}
	serverName := req.URL.Hostname()

	go func() {
		defer close(pd.done)
		raw, err := net.DialTimeout("tcp", dialAddr, 10*time.Second)
		if err != nil {
			pd.result = dialConnOutcome{err: errs.Wrap(errs.ConnectFailure, "dialing "+origin, err)}
			return
		}
		cfg := &utls.Config{
			ServerName:         serverName,
			NextProtos:         []string{h2support.NextProtoTLS},
			RootCAs:            m.RootCAs,
			InsecureSkipVerify: m.InsecureSkipVerify,
		}
		uconn := utls.UClient(raw, cfg, utls.HelloChrome_Auto)
		if err := uconn.Handshake(); err != nil {
			pd.result = dialConnOutcome{err: errs.Wrap(errs.TLSFailure, "TLS handshake with "+origin, err)}
			return
		}
		if uconn.ConnectionState().NegotiatedProtocol != h2support.NextProtoTLS {
			pd.result = dialConnOutcome{err: errs.New(errs.TLSFailure, origin+" did not negotiate h2")}
			return
		}
		cc, err := m.h2.NewClientConn(uconn)
		if err != nil {
			pd.result = dialConnOutcome{err: errs.Wrap(errs.TransportErrorKind, "establishing HTTP/2 session", err)}
			return
		}
		pd.result = dialConnOutcome{cc: cc}
	}()
}

func (m *Multi) step(state *core.ClientState, req *core.Request, now time.Time) bool {
	conn, ok := state.Connection(req.ID)
	if !ok {
		return false
	}
	ms, ok := conn.Handle.(*multiStream)
	if !ok {
		m.fail(state, req, errs.New(errs.TransportErrorKind, "missing multiplexed scratch state"))
		return true
	}

	switch ms.phase {
	case multiDialing:
		select {
		case <-ms.dial.done:
			out := ms.dial.result
			origin := originKey(req)
			if pd, ok := m.dialCache[origin]; ok && pd == ms.dial {
				delete(m.dialCache, origin)
			}
			if out.err != nil {
				m.fail(state, req, out.err)
				return true
			}
			if existing, ok := m.pool[origin]; !ok || !existing.CanTakeNewRequest() {
				m.pool[origin] = out.cc
			}
			ms.phase = multiRoundTripping
			ms.respCh = make(chan roundTripOutcome, 1)
			req.State = core.WillSendHeaders
			m.startRoundTrip(state, req, m.pool[origin], ms)
			return true
		default:
			return false
		}

	case multiRoundTripping:
		select {
		case out := <-ms.respCh:
			if out.err != nil {
				m.fail(state, req, errs.Wrap(errs.TransportErrorKind, "HTTP/2 round trip", out.err))
				return true
			}
			m.onResponse(state, req, conn, ms, out.resp)
			return true
		default:
			return false
		}

	case multiReadingBody:
		progressed := false
		select {
		case err := <-ms.pumpDone:
			if err != nil {
				m.fail(state, req, errs.Wrap(errs.TransportErrorKind, "reading HTTP/2 response body", err))
				return true
			}
			progressed = true
		default:
		}

		n, err := conn.Decoded.Pull(64 * 1024)
		if err != nil && !errors.Is(err, io.EOF) {
			m.fail(state, req, err)
			return true
		}
		if n > 0 {
			chunk := conn.Decoded.Consume(n)
			req.Response.ReceivedBytes += int64(len(chunk))
			state.CurrentChunk = chunk
			state.SetPending(req.ID, core.EventBodyChunkAvailable)
			progressed = true
		}
		if conn.Decoded.Done() {
			req.State = core.Finished
			state.SetPending(req.ID, core.EventFinished)
			state.ReleaseConnection(req.ID)
			progressed = true
		}
		return progressed
	}
	return false
}

// startRoundTrip issues req on cc in a background goroutine; cc.RoundTrip
// blocks until the response headers arrive (or the stream fails), which
// is why it cannot run on Tick's own goroutine.
func (m *Multi) startRoundTrip(state *core.ClientState, req *core.Request, cc *http2.ClientConn, ms *multiStream) bool {
	rawHeader := make(http.Header, req.Header.Len())
	req.Header.Each(func(name, value string) {
		if strings.EqualFold(name, "connection") || strings.EqualFold(name, "transfer-encoding") {
			return // hop-by-hop, meaningless over HTTP/2
		}
		rawHeader.Add(strings.ToLower(name), value)
	})

	httpReq := &http.Request{
		Method: req.Method,
		URL:    req.URL,
		Proto:  "HTTP/2.0",
		Header: make(http.Header, len(rawHeader)),
	}
	for _, name := range h2support.SortedHeaderNames(rawHeader) {
		if !h2support.ValidWireHeaderFieldName(name) {
			m.fail(state, req, errs.New(errs.MalformedHeaders, "invalid HTTP/2 header field name "+name))
			return false
		}
		httpReq.Header[name] = rawHeader.Values(name)
	}

	if req.Body != nil {
		httpReq.Body = io.NopCloser(&blockingStreamReader{r: req.Body})
	}
	req.State = core.WillSendBody

	go func() {
		resp, err := cc.RoundTrip(httpReq)
		ms.respCh <- roundTripOutcome{resp: resp, err: err}
	}()
	return true
}

func (m *Multi) onResponse(state *core.ClientState, req *core.Request, conn *core.Connection, ms *multiStream, httpResp *http.Response) {
	var raw strings.Builder
	fmt.Fprintf(&raw, ":status: %d\r\n", httpResp.StatusCode)
	for _, name := range h2support.SortedHeaderNames(httpResp.Header) {
		for _, v := range httpResp.Header.Values(name) {
			fmt.Fprintf(&raw, "%s: %s\r\n", name, v)
		}
	}

	resp, err := core.ParseHeaders([]byte(raw.String()))
	if err != nil {
		_ = httpResp.Body.Close()
		m.fail(state, req, err)
		return
	}
	resp.Request = req

	if _, err := ValidateTransferEncoding(resp.Header.Get("transfer-encoding")); err != nil {
		_ = httpResp.Body.Close()
		m.fail(state, req, err)
		return
	}
	req.Response = resp

	var encodings []string
	if ce := resp.Header.Get("content-encoding"); ce != "" {
		for _, e := range strings.Split(ce, ",") {
			encodings = append(encodings, strings.TrimSpace(e))
		}
	}
	conn.Decoded = stream.Compose(conn.Raw, false, encodings)

	req.State = core.ReceivingBody
	ms.phase = multiReadingBody
	ms.pumpDone = make(chan error, 1)
	state.SetPending(req.ID, core.EventGotHeaders)

	if noResponseBody(req.Method, resp.Status) {
		_ = httpResp.Body.Close()
		_ = conn.Raw.CloseWrite()
		ms.pumpDone <- nil
		return
	}

	go pumpBody(httpResp.Body, conn.Raw, ms.pumpDone)
}

func pumpBody(body io.ReadCloser, sink *stream.Pipe, done chan<- error) {
	defer body.Close()
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			_ = sink.Append(buf[:n])
		}
		if err != nil {
			_ = sink.CloseWrite()
			if errors.Is(err, io.EOF) {
				done <- nil
			} else {
				done <- err
			}
			return
		}
	}
}

// blockingStreamReader adapts a stream.Reader into a blocking io.Reader
// for net/http2's request body, which expects push-style Read
// semantics. It is only ever used from the background RoundTrip
// goroutine, never from Tick, so polling with a short sleep between
// empty Pulls does not violate the engine's non-blocking contract.
type blockingStreamReader struct{ r stream.Reader }

func (b *blockingStreamReader) Read(p []byte) (int, error) {
	for {
		if avail := len(b.r.Peek()); avail > 0 {
			n := copy(p, b.r.Peek())
			b.r.Consume(n)
			return n, nil
		}
		if b.r.Done() {
			return 0, io.EOF
		}
		if _, err := b.r.Pull(len(p)); err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		time.Sleep(time.Millisecond)
	}
}
