// Package errs is the engine-wide error taxonomy. It is kept
// as its own leaf package, rather than folded into core, so that both
// core and stream (which must not depend on each other in the direction
// that would create an import cycle through core) can raise typed
// errors without either importing the other's root package.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies one of the engine's error categories. Callers branch
// on it with errors.Is(err, errs.Sentinel(errs.Timeout)), not by string
// matching Error().
type Kind string

const (
	InvalidScheme                Kind = "invalid_scheme"
	InvalidURL                   Kind = "invalid_url"
	ConnectFailure                Kind = "connect_failure"
	TLSFailure                    Kind = "tls_failure"
	WriteFailure                  Kind = "write_failure"
	ConnectionClosedBeforeHeaders Kind = "connection_closed_before_headers"
	MalformedHeaders              Kind = "malformed_headers"
	UnsupportedEncoding           Kind = "unsupported_encoding"
	MalformedChunk                Kind = "malformed_chunk"
	DecodeError                   Kind = "decode_error"
	Timeout                       Kind = "timeout"
	TooManyRedirects              Kind = "too_many_redirects"
	InvalidRedirectURL            Kind = "invalid_redirect_url"
	UnreplayableBody              Kind = "unreplayable_body"
	TransportErrorKind            Kind = "transport_error"
)

// Error is the concrete error type raised by every component of this
// engine.
type Error struct {
	Kind  Kind
	Msg   string
	Code  int // only meaningful for TransportErrorKind
	Cause error
}

func (e *Error) Error() string {
	switch {
	case e.Cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	case e.Msg == "":
		return string(e.Kind)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, errs.Sentinel(errs.Timeout)) work without a
// package-level sentinel value per kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// New builds an *Error of the given kind.
func New(kind Kind, msg string) *Error { return &Error{Kind: kind, Msg: msg} }

// Wrap builds an *Error of the given kind wrapping cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Transport builds the opaque multiplexed-transport failure kind,
// TransportError(code, message).
func Transport(code int, msg string) *Error {
	return &Error{Kind: TransportErrorKind, Msg: msg, Code: code}
}

// Sentinel returns a comparable value usable with errors.Is.
func Sentinel(k Kind) error { return &Error{Kind: k} }

// Of reports whether err is an *Error of kind k.
func Of(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}
