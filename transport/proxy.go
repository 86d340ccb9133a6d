package transport

import (
	"context"
	"net/url"
	"sync/atomic"
)

// roundRobinProxy cycles through a fixed list of proxy URLs using an
// atomic round-robin index, wired into core.Request's dialing path
// instead of http.Transport.Proxy's per-request callback.
type roundRobinProxy struct {
	urls  []*url.URL
	index uint32
}

func newRoundRobinProxy(rawURLs ...string) (*roundRobinProxy, error) {
	if len(rawURLs) == 0 {
		return nil, nil
	}
	urls := make([]*url.URL, len(rawURLs))
	for i, raw := range rawURLs {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, err
		}
		urls[i] = u
	}
	return &roundRobinProxy{urls: urls}, nil
}

func (p *roundRobinProxy) next() *url.URL {
	i := atomic.AddUint32(&p.index, 1) - 1
	return p.urls[i%uint32(len(p.urls))]
}

type proxyContextKey struct{}

// WithProxies returns a context carrying a round-robin proxy pool for
// dial-time selection. A nil or empty proxy list returns ctx unchanged.
func WithProxies(ctx context.Context, proxyURLs ...string) (context.Context, error) {
	if len(proxyURLs) == 0 {
		return ctx, nil
	}
	rr, err := newRoundRobinProxy(proxyURLs...)
	if err != nil {
		return ctx, err
	}
	return context.WithValue(ctx, proxyContextKey{}, rr), nil
}

// ProxyFromContext returns the next proxy URL to dial through, or nil if
// ctx carries no proxy pool (meaning: dial the request's own URL
// directly).
func ProxyFromContext(ctx context.Context) *url.URL {
	if rr, ok := ctx.Value(proxyContextKey{}).(*roundRobinProxy); ok {
		return rr.next()
	}
	return nil
}
