package transport

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"time"

	utls "github.com/refraction-networking/utls"

	"github.com/wpcrawl/httpengine/core"
	"github.com/wpcrawl/httpengine/errs"
	"github.com/wpcrawl/httpengine/stream"
)

type socketPhase int

const (
	phaseDialing socketPhase = iota
	phaseHandshaking
	phaseWritingHeaders
	phaseWritingBody
	phaseReadingHeaders
	phaseReadingBody
)

// dialOutcome is what the background dial goroutine hands back to Tick.
type dialOutcome struct {
	conn net.Conn
	err  error
}

// socketConn is the per-request scratch state stored in
// core.Connection.Handle for the socket transport. None of its fields
// are touched outside Tick.
type socketConn struct {
	phase socketPhase

	netConn net.Conn // raw TCP once dialed; wrapped in TLS for https
	dialCh  chan dialOutcome

	writeBuf []byte // remaining header+body bytes still to be written
	bodyEnc  stream.Writer

	headerBuf []byte // accumulated bytes until the blank line is found
}

// Socket is a from-scratch transport: it owns its own TCP dial, TLS
// handshake, and HTTP/1.1 framing instead of delegating to an external
// multiplexing handle.
type Socket struct {
	conns   map[int64]*socketConn
	proxies *roundRobinProxy

	// RootCAs and InsecureSkipVerify customize certificate verification
	// for the uTLS handshake; both are zero-value by default (verify
	// against the system roots).
	RootCAs            *x509.CertPool
	InsecureSkipVerify bool
}

// NewSocket returns a ready Socket transport.
func NewSocket() *Socket {
	return &Socket{conns: make(map[int64]*socketConn)}
}

// SetProxies configures a fixed round-robin proxy pool that every dial
// cycles through instead of connecting to the request's own host.
func (s *Socket) SetProxies(rawURLs ...string) error {
	rr, err := newRoundRobinProxy(rawURLs...)
	if err != nil {
		return err
	}
	s.proxies = rr
	return nil
}

func (s *Socket) forget(id int64) {
	if sc, ok := s.conns[id]; ok {
		if sc.netConn != nil {
			_ = sc.netConn.Close()
		}
		delete(s.conns, id)
	}
}

// Tick advances every active request one non-blocking step through dial,
// handshake, header/body write, and header/body read.
func (s *Socket) Tick(state *core.ClientState, now time.Time) (bool, error) {
	progressed := CheckTimeouts(state, now)

	for _, req := range state.ActiveSlice() {
		switch req.State {
		case core.Enqueued:
			s.begin(state, req, now)
			progressed = true
		default:
			if s.step(state, req, now) {
				progressed = true
			}
		}
	}

	for _, req := range state.Requests() {
		if req.State.Terminal() {
			s.forget(req.ID)
		}
	}

	return progressed, nil
}

func (s *Socket) begin(state *core.ClientState, req *core.Request, now time.Time) {
	conn := core.NewConnection(req.ID, now)
	sc := &socketConn{}
	conn.Handle = sc
	s.conns[req.ID] = sc
	state.SetConnection(req.ID, conn)

	host := req.URL.Hostname()
	port := req.URL.Port()
	if port == "" {
		if req.URL.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	dialAddr := net.JoinHostPort(host, port)
	if p := ProxyFromContext(req.Ctx); p != nil {
		dialAddr = p.Host
	} else if s.proxies != nil {
		dialAddr = s.proxies.next().Host
	}

	sc.dialCh = make(chan dialOutcome, 1)
	sc.phase = phaseDialing
	go func() {
		c, err := net.DialTimeout("tcp", dialAddr, 10*time.Second)
		sc.dialCh <- dialOutcome{conn: c, err: err}
	}()

	if req.URL.Scheme == "https" {
		req.State = core.WillEnableCrypto
	} else {
		req.State = core.WillSendHeaders
	}
}

func (s *Socket) fail(state *core.ClientState, req *core.Request, e error) {
	req.Err = e
	req.State = core.Failed
	state.SetPending(req.ID, core.EventFailed)
	state.ReleaseConnection(req.ID)
}

func (s *Socket) step(state *core.ClientState, req *core.Request, now time.Time) bool {
	conn, ok := state.Connection(req.ID)
	if !ok {
		return false
	}
	sc, ok := conn.Handle.(*socketConn)
	if !ok {
		s.fail(state, req, errs.New(errs.TransportErrorKind, "missing socket scratch state"))
		return true
	}

	switch sc.phase {
	case phaseDialing:
		select {
		case out := <-sc.dialCh:
			if out.err != nil {
				s.fail(state, req, errs.Wrap(errs.ConnectFailure, "dialing "+req.URL.Host, out.err))
				return true
			}
			sc.netConn = out.conn
			if req.State == core.WillEnableCrypto {
				sc.phase = phaseHandshaking
			} else {
				sc.phase = phaseWritingHeaders
			}
			return true
		default:
			return false
		}

	case phaseHandshaking:
		return s.tickHandshake(state, req, sc, now)

	case phaseWritingHeaders:
		if req.State == core.WillEnableCrypto {
			req.State = core.WillSendHeaders
		}
		if sc.writeBuf == nil {
			sc.writeBuf = buildHeaderBlock(req)
		}
		return s.tickWrite(state, req, sc, now, func() {
			if req.Body != nil {
				req.State = core.WillSendBody
				sc.phase = phaseWritingBody
				sc.bodyEnc = newBodyEncoder(sc.netConn, req.Header.Get("transfer-encoding") == "chunked")
			} else {
				req.State = core.Sent
				sc.phase = phaseReadingHeaders
			}
		})

	case phaseWritingBody:
		return s.tickBody(state, req, sc, now)

	case phaseReadingHeaders:
		return s.tickReadHeaders(state, req, sc, now)

	case phaseReadingBody:
		return s.tickReadBody(state, req, sc, now)
	}
	return false
}

// tickHandshake drives a utls handshake forward using a short write/read
// deadline so a single call never blocks beyond PollInterval: crypto/tls
// (and uTLS, forked from it) keep handshake progress in the Conn itself,
// so a Handshake call that times out mid-flight can simply be retried on
// a later tick once more bytes have arrived.
func (s *Socket) tickHandshake(state *core.ClientState, req *core.Request, sc *socketConn, now time.Time) bool {
	uconn, ok := sc.netConn.(*utls.UConn)
	if !ok {
		cfg := &utls.Config{
			ServerName:         req.URL.Hostname(),
			RootCAs:            s.RootCAs,
			InsecureSkipVerify: s.InsecureSkipVerify,
		}
		uconn = utls.UClient(sc.netConn, cfg, utls.HelloChrome_Auto)
		sc.netConn = uconn
	}
	_ = uconn.SetDeadline(now.Add(PollInterval))
	err := uconn.Handshake()
	_ = uconn.SetDeadline(time.Time{})
	if err == nil {
		sc.phase = phaseWritingHeaders
		return true
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return false
	}
	s.fail(state, req, errs.Wrap(errs.TLSFailure, "TLS handshake with "+req.URL.Host, err))
	return true
}

func (s *Socket) tickWrite(state *core.ClientState, req *core.Request, sc *socketConn, now time.Time, onDone func()) bool {
	if len(sc.writeBuf) == 0 {
		onDone()
		return true
	}
	_ = sc.netConn.SetWriteDeadline(now.Add(PollInterval))
	n, err := sc.netConn.Write(sc.writeBuf)
	_ = sc.netConn.SetWriteDeadline(time.Time{})
	if n > 0 {
		sc.writeBuf = sc.writeBuf[n:]
	}
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n > 0
		}
		s.fail(state, req, errs.Wrap(errs.WriteFailure, "writing to "+req.URL.Host, err))
		return true
	}
	if len(sc.writeBuf) == 0 {
		onDone()
	}
	return true
}

func (s *Socket) tickBody(state *core.ClientState, req *core.Request, sc *socketConn, now time.Time) bool {
	progressed := false
	if len(sc.writeBuf) > 0 {
		if s.tickWrite(state, req, sc, now, func() {}) {
			progressed = true
		}
		if req.State.Terminal() {
			return true
		}
		if len(sc.writeBuf) > 0 {
			return progressed
		}
	}

	if req.Body.Done() {
		if err := sc.bodyEnc.CloseWrite(); err != nil {
			s.fail(state, req, errs.Wrap(errs.WriteFailure, "closing request body", err))
			return true
		}
		req.State = core.Sent
		sc.phase = phaseReadingHeaders
		return true
	}

	n, err := req.Body.Pull(64 * 1024)
	if err != nil && !errors.Is(err, io.EOF) {
		s.fail(state, req, errs.Wrap(errs.WriteFailure, "reading request body", err))
		return true
	}
	if n == 0 {
		return progressed
	}
	chunk := req.Body.Consume(n)
	if werr := sc.bodyEnc.Append(chunk); werr != nil {
		s.fail(state, req, errs.Wrap(errs.WriteFailure, "framing request body", werr))
		return true
	}
	return true
}

func (s *Socket) tickReadHeaders(state *core.ClientState, req *core.Request, sc *socketConn, now time.Time) bool {
	if req.State == core.Sent {
		req.State = core.ReceivingHeaders
	}
	_ = sc.netConn.SetReadDeadline(now.Add(PollInterval))
	b := make([]byte, 1)
	n, err := sc.netConn.Read(b)
	_ = sc.netConn.SetReadDeadline(time.Time{})
	if n > 0 {
		sc.headerBuf = append(sc.headerBuf, b[0])
		if bytes.HasSuffix(sc.headerBuf, []byte("\r\n\r\n")) {
			return s.finishHeaders(state, req, sc)
		}
		return true
	}
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return false
		}
		s.fail(state, req, errs.Wrap(errs.ConnectionClosedBeforeHeaders, "reading response headers", err))
		return true
	}
	return false
}

func (s *Socket) finishHeaders(state *core.ClientState, req *core.Request, sc *socketConn) bool {
	raw := sc.headerBuf[:len(sc.headerBuf)-4]
	resp, err := core.ParseHeaders(raw)
	if err != nil {
		s.fail(state, req, err)
		return true
	}
	resp.Request = req
	req.Response = resp

	conn, _ := state.Connection(req.ID)
	chunked, err := ValidateTransferEncoding(resp.Header.Get("transfer-encoding"))
	if err != nil {
		s.fail(state, req, err)
		return true
	}
	var encodings []string
	if ce := resp.Header.Get("content-encoding"); ce != "" {
		for _, e := range strings.Split(ce, ",") {
			encodings = append(encodings, strings.TrimSpace(e))
		}
	}
	conn.Decoded = stream.Compose(conn.Raw, chunked, encodings)

	req.State = core.ReceivingBody
	sc.phase = phaseReadingBody
	state.SetPending(req.ID, core.EventGotHeaders)

	if noResponseBody(req.Method, resp.Status) {
		_ = conn.Raw.CloseWrite()
	}
	return true
}

func noResponseBody(method string, status int) bool {
	if method == "HEAD" {
		return true
	}
	if status == 204 || status == 304 {
		return true
	}
	return status >= 100 && status < 200
}

func (s *Socket) tickReadBody(state *core.ClientState, req *core.Request, sc *socketConn, now time.Time) bool {
	conn, _ := state.Connection(req.ID)

	if !conn.Raw.Done() {
		_ = sc.netConn.SetReadDeadline(now.Add(PollInterval))
		buf := make([]byte, 64*1024)
		n, err := sc.netConn.Read(buf)
		_ = sc.netConn.SetReadDeadline(time.Time{})
		if n > 0 {
			_ = conn.Raw.Append(buf[:n])
		}
		if err != nil {
			ne, isTimeout := err.(net.Error)
			switch {
			case isTimeout && ne.Timeout():
				// no new bytes this tick; fall through to drain decoder
			case errors.Is(err, io.EOF):
				_ = conn.Raw.CloseWrite()
			default:
				s.fail(state, req, errs.Wrap(errs.ConnectFailure, "reading response body", err))
				return true
			}
		}
	}

	n, err := conn.Decoded.Pull(64 * 1024)
	if err != nil && !errors.Is(err, io.EOF) {
		s.fail(state, req, err)
		return true
	}
	progressed := false
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

// buildHeaderBlock renders req's request line and headers as CRLF-framed
// bytes. An Accept-Encoding: gzip is injected when the caller hasn't set
// one and isn't asking for a byte Range (a range request with a
// compressed response can't be resumed byte-accurately).
func buildHeaderBlock(req *core.Request) []byte {
	var b bytes.Buffer
	path := req.URL.RequestURI()
	fmt.Fprintf(&b, "%s %s %s\r\n", req.Method, path, req.Proto)

	if !req.Header.Has("accept-encoding") && !req.Header.Has("range") {
		req.Header.Set("accept-encoding", "gzip")
	}

	names := req.Header.Names()
	sort.Strings(names) // deterministic wire order; casing is preserved per-name
	written := make(map[string]bool, len(names))
	for _, name := range names {
		if written[strings.ToLower(name)] {
			continue
		}
		written[strings.ToLower(name)] = true
		fmt.Fprintf(&b, "%s: %s\r\n", name, req.Header.Get(name))
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

// connWriter adapts a net.Conn into a stream.Writer so the chunked
// encoder (or identity passthrough) can frame an upload body directly
// onto the wire.
type connWriter struct{ conn net.Conn }

func (w connWriter) Append(b []byte) error {
	_, err := w.conn.Write(b)
	return err
}

func (w connWriter) CloseWrite() error { return nil }

func newBodyEncoder(conn net.Conn, chunked bool) stream.Writer {
	cw := connWriter{conn: conn}
	if chunked {
		return stream.NewChunkedEncoder(cw)
	}
	return cw
}
