// Package h2support holds the client preface/ALPN constants and the
// header-ordering utilities needed when writing a request's headers
// onto an HTTP/2 stream. A vendored, patched copy of
// golang.org/x/net/http2's transport internals is not carried forward
// (see DESIGN.md); this engine drives golang.org/x/net/http2's public
// Transport/ClientConn API directly instead.
package h2support

import (
	"net/http"
	"sort"
	"strings"

	"golang.org/x/net/http/httpguts"
)

const (
	// ClientPreface is the string every new HTTP/2 connection from a
	// client must send before any frames.
	ClientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

	// NextProtoTLS is the ALPN protocol ID negotiated during HTTP/2's
	// TLS setup.
	NextProtoTLS = "h2"
)

// ValidWireHeaderFieldName reports whether v is a valid HTTP/2 header
// field name: HTTP/2 requires header names be lowercase, unlike
// HTTP/1.1's caller-preserved casing.
func ValidWireHeaderFieldName(v string) bool {
	if len(v) == 0 {
		return false
	}
	for _, r := range v {
		if !httpguts.IsTokenRune(r) {
			return false
		}
		if 'A' <= r && r <= 'Z' {
			return false
		}
	}
	return true
}

type keyValues struct {
	key    string
	values []string
}

// headerSorter sorts header key/value pairs for deterministic wire
// order, lexicographically by key. A caller-supplied order table for
// TLS-fingerprint header-order mimicry is not needed here, so only the
// lexicographic path is kept.
type headerSorter struct{ kvs []keyValues }

func (s *headerSorter) Len() int      { return len(s.kvs) }
func (s *headerSorter) Swap(i, j int) { s.kvs[i], s.kvs[j] = s.kvs[j], s.kvs[i] }
func (s *headerSorter) Less(i, j int) bool { return s.kvs[i].key < s.kvs[j].key }

// SortedHeaderNames returns header names from h in a deterministic
// (lexicographic) order, for writing pseudo-header-then-normal-header
// HTTP/2 request blocks.
func SortedHeaderNames(h http.Header) []string {
	kvs := make([]keyValues, 0, len(h))
	for k, vv := range h {
		kvs = append(kvs, keyValues{strings.ToLower(k), vv})
	}
	sort.Sort(&headerSorter{kvs})
	names := make([]string, len(kvs))
	for i, kv := range kvs {
		names[i] = kv.key
	}
	return names
}
