package core

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/wpcrawl/httpengine/errs"
	"github.com/wpcrawl/httpengine/stream"
)

// DefaultUserAgent is used when the caller and the Client's Options both
// leave User-Agent unset.
const DefaultUserAgent = "httpengine/1.0"

// Request is a single logical HTTP exchange initiated by the consumer.
// The Client owns it from Enqueue to a terminal state; after that the
// consumer may keep reading it to inspect the response and redirect
// chain.
//
// RedirectedFrom/RedirectedTo are non-owning handles (request ids, not
// pointers): the predecessor/successor relationship between redirect
// hops is navigation, not ownership.
type Request struct {
	ID     int64
	URL    *url.URL
	Method string
	Proto  string // e.g. "HTTP/1.1"
	Header *Header

	// Ctx carries per-request overrides (currently just a proxy pool;
	// see transport.WithProxies/ProxyFromContext) through to the
	// transport's dial step. Never nil after NewRequest.
	Ctx context.Context

	// Body is the optional upload byte stream. Nil means no body.
	Body stream.Reader

	RedirectedFrom int64 // 0 if this is an original request
	RedirectedTo   int64 // 0 until a redirect forks a child

	State    RequestState
	Err      error
	Response *Response
	CacheKey string

	// TimeoutMS is filled in by Client.Enqueue when left zero; the
	// transport fails the request with Timeout once its Connection has
	// been open that long.
	TimeoutMS int64
}

// NewRequest builds a Request for method/rawURL, normalising the URL
// (stripping embedded credentials into an Authorization header) and
// filling in the default headers. body may be nil.
func NewRequest(method, rawURL string, body stream.Reader, userAgent string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidURL, fmt.Sprintf("parsing %q", rawURL), err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errs.New(errs.InvalidScheme, fmt.Sprintf("scheme %q", u.Scheme))
	}

	h := NewHeader()

	if u.User != nil {
		user := u.User.Username()
		pass, _ := u.User.Password()
		token := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
		h.Set("authorization", "Basic "+token)
		u.User = nil
	}

	if !h.Has("host") {
		h.Set("host", u.Host)
	}
	if !h.Has("user-agent") {
		h.Set("user-agent", ZeroOr(userAgent, DefaultUserAgent))
	}
	if !h.Has("accept") {
		h.Set("accept", "*/*")
	}
	if !h.Has("accept-language") {
		h.Set("accept-language", "en-US,en;q=0.9")
	}
	if !h.Has("connection") {
		h.Set("connection", "close")
	}

	if body != nil {
		if l := body.Len(); l != nil {
			h.Set("content-length", strconv.FormatInt(*l, 10))
		} else {
			h.Set("transfer-encoding", "chunked")
		}
	}

	return &Request{
		ID:     nextRequestID(),
		URL:    u,
		Method: strings.ToUpper(method),
		Proto:  "HTTP/1.1",
		Header: h,
		Body:   body,
		State:  Created,
		Ctx:    context.Background(),
	}, nil
}

// WithContext returns a shallow copy of req with Ctx replaced. Callers
// use this to attach a per-request proxy override (transport.WithProxies)
// before Client.Enqueue.
func (r *Request) WithContext(ctx context.Context) *Request {
	if ctx == nil {
		panic("core: nil Context")
	}
	clone := *r
	clone.Ctx = ctx
	return &clone
}
