package middleware

import (
	"fmt"

	"github.com/wpcrawl/httpengine/core"
	"github.com/wpcrawl/httpengine/errs"
)

// DefaultMaxRedirects is used when Options.MaxRedirects is zero.
const DefaultMaxRedirects = 5

// RedirectionMiddleware wraps a downstream middleware and forks a child
// Request whenever a GOT_HEADERS event carries a 3xx status with a
// Location header. It never consumes or reorders the events it
// observes: the parent request's own GOT_HEADERS/BODY_CHUNK_AVAILABLE/
// FINISHED sequence reaches the consumer unchanged, the fork is purely
// a side effect.
type RedirectionMiddleware struct {
	next         Middleware
	state        *core.ClientState
	maxRedirects int
	userAgent    string
}

// NewRedirectionMiddleware returns a RedirectionMiddleware forwarding to
// next. maxRedirects <= 0 selects DefaultMaxRedirects.
func NewRedirectionMiddleware(state *core.ClientState, next Middleware, maxRedirects int, userAgent string) *RedirectionMiddleware {
	if maxRedirects <= 0 {
		maxRedirects = DefaultMaxRedirects
	}
	return &RedirectionMiddleware{state: state, next: next, maxRedirects: maxRedirects, userAgent: userAgent}
}

// Enqueue forwards req unchanged; redirection only ever acts on
// responses, not on the initial request.
func (m *RedirectionMiddleware) Enqueue(req *core.Request) {
	m.next.Enqueue(req)
}

// AwaitNextEvent implements Middleware.
func (m *RedirectionMiddleware) AwaitNextEvent(ids []int64) bool {
	if !m.next.AwaitNextEvent(ids) {
		return false
	}
	if m.state.CurrentEvent == core.EventGotHeaders {
		m.maybeFork(m.state.CurrentRequestID)
	}
	return true
}

func isRedirectStatus(status int) bool {
	switch status {
	case 301, 302, 303, 307, 308:
		return true
	default:
		return false
	}
}

// rewriteMethod returns the method a redirect hop should use and
// whether the upload body must be dropped.
func rewriteMethod(status int, method string) (string, bool) {
	switch status {
	case 303:
		return "GET", true
	case 301, 302:
		if method == "POST" {
			return "GET", true
		}
		return method, false
	default: // 307, 308
		return method, false
	}
}

func (m *RedirectionMiddleware) depthOf(req *core.Request) int {
	depth := 0
	cur := req
	for cur.RedirectedFrom != 0 {
		parent, ok := m.state.Request(cur.RedirectedFrom)
		if !ok {
			break
		}
		depth++
		cur = parent
	}
	return depth
}

func (m *RedirectionMiddleware) maybeFork(parentID int64) {
	parent, ok := m.state.Request(parentID)
	if !ok || parent.Response == nil || parent.RedirectedTo != 0 {
		return
	}
	resp := parent.Response
	if !isRedirectStatus(resp.Status) {
		return
	}
	loc := resp.Header.Get("location")
	if loc == "" {
		return
	}

	// parent.URL.String() is always a valid rawURL, used as a
	// placeholder so the child id/headers exist before the Location is
	// resolved; it is overwritten below once resolution succeeds.
	child, err := core.NewRequest(parent.Method, parent.URL.String(), nil, m.userAgent)
	if err != nil {
		return
	}
	child.TimeoutMS = parent.TimeoutMS
	child.Ctx = parent.Ctx
	child.RedirectedFrom = parent.ID
	parent.RedirectedTo = child.ID

	target, err := parent.URL.Parse(loc)
	if err != nil {
		m.failChild(child, errs.Wrap(errs.InvalidRedirectURL, "resolving Location "+loc, err))
		return
	}

	if depth := m.depthOf(parent) + 1; depth > m.maxRedirects {
		m.failChild(child, errs.New(errs.TooManyRedirects, fmt.Sprintf("exceeded max_redirects=%d", m.maxRedirects)))
		return
	}

	method, dropBody := rewriteMethod(resp.Status, parent.Method)
	child.Method = method
	child.URL = target
	child.Header.Set("host", target.Host)

	if !dropBody && parent.Body != nil {
		if parent.Body.Done() && len(parent.Body.Peek()) == 0 {
			m.failChild(child, errs.New(errs.UnreplayableBody, "upload body already consumed by the original request"))
			return
		}
		child.Body = parent.Body
		if l := parent.Body.Len(); l != nil {
			child.Header.Set("content-length", fmt.Sprintf("%d", *l))
			child.Header.Del("transfer-encoding")
		} else {
			child.Header.Set("transfer-encoding", "chunked")
		}
	} else {
		child.Header.Del("content-length")
		child.Header.Del("transfer-encoding")
	}

	m.next.Enqueue(child)
}

// failChild records a child Request that never reaches the transport:
// it is registered directly so the consumer can still walk the
// redirect chain and see why it stopped.
func (m *RedirectionMiddleware) failChild(child *core.Request, e error) {
	child.Err = e
	child.State = core.Failed
	m.state.AddRequest(child)
	m.state.SetPending(child.ID, core.EventFailed)
}
