// Package transport implements two interchangeable transports: a
// from-scratch socket transport and a multiplexed transport built over
// a pooled HTTP/2 connection, both presenting the same single-method
// non-blocking capability to the middleware chain above them.
package transport

import (
	"strings"
	"time"

	"github.com/wpcrawl/httpengine/core"
	"github.com/wpcrawl/httpengine/errs"
)

// PollInterval bounds how long a single Tick may take before it must
// return ("≈50ms").
const PollInterval = 50 * time.Millisecond

// Transport is the shared contract both variants implement: a single
// method that advances every tracked request by one non-blocking step
// and reports whether any progress was made.
//
// Go has no portable non-blocking syscall surface for TLS/HTTP
// equivalent to epoll-driven non-blocking connect/handshake. The socket
// transport dials on a goroutine and performs the TLS handshake and
// socket reads/writes inside Tick under PollInterval deadlines; the
// multiplexed transport runs its dial, TLS handshake, HTTP/2 round trips
// and body reads on goroutines. Goroutine results come back to Tick over
// channels that Tick drains with non-blocking receives. This preserves the single-threaded,
// cooperative contract at the public API (Tick never blocks beyond
// PollInterval, and all core.ClientState/core.Request mutation happens
// only inside Tick, never inside the background goroutines) while using
// Go's idiomatic concurrency primitives instead of hand-rolled
// non-blocking sockets.
type Transport interface {
	Tick(state *core.ClientState, now time.Time) (progressed bool, err error)
}

// ValidateTransferEncoding rejects any Transfer-Encoding token besides
// "identity" and "chunked" (absent/empty counts as identity). Both
// transports call this once response headers are parsed, before
// deciding how to frame the body.
func ValidateTransferEncoding(te string) (chunked bool, err error) {
	switch {
	case te == "" || strings.EqualFold(te, "identity"):
		return false, nil
	case strings.EqualFold(te, "chunked"):
		return true, nil
	default:
		return false, errs.New(errs.UnsupportedEncoding, "transfer-encoding: "+te)
	}
}

// CheckTimeouts fails every non-terminal request whose Connection has
// exceeded its deadline. Both transports call this at the start of
// their Tick.
func CheckTimeouts(state *core.ClientState, now time.Time) bool {
	progressed := false
	for _, req := range state.Requests() {
		if req.State.Terminal() {
			continue
		}
		conn, ok := state.Connection(req.ID)
		if !ok {
			continue
		}
		if conn.Expired(now, req.TimeoutMS) {
			req.Err = errs.New(errs.Timeout, "request exceeded its deadline")
			req.State = core.Failed
			state.SetPending(req.ID, core.EventFailed)
			progressed = true
		}
	}
	return progressed
}
