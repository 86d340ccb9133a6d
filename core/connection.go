package core

import (
	"time"

	"github.com/wpcrawl/httpengine/stream"
)

// Connection is the opaque per-request network state: exactly one
// exists per non-terminal Request, created by the transport when it
// first starts an ENQUEUED request and destroyed on FINISHED/FAILED.
// The transport handle itself is kept
// as an `any` here so that core has no dependency on either transport
// implementation (avoiding an import cycle: transport depends on core,
// not the other way around).
type Connection struct {
	RequestID int64

	// Handle is the transport-specific connection state (e.g. the
	// socket transport's *net.Conn-wrapping struct, or the multiplexed
	// transport's stream handle). Opaque to core and to middleware.
	Handle any

	// Raw accumulates bytes read off the wire before header parsing
	// completes, and backs the decoder stack afterwards.
	Raw *stream.Pipe

	// Decoded is the composed chunked/inflate stream over Raw, set once
	// headers are parsed and the transfer/content encoding is known.
	Decoded stream.Reader

	StartedAt time.Time
}

// NewConnection creates a Connection for reqID, starting its timeout
// clock at now.
func NewConnection(reqID int64, now time.Time) *Connection {
	return &Connection{
		RequestID: reqID,
		Raw:       stream.NewPipe(nil),
		StartedAt: now,
	}
}

// Expired reports whether the connection has been open longer than
// timeoutMS milliseconds as of now.
func (c *Connection) Expired(now time.Time, timeoutMS int64) bool {
	if timeoutMS <= 0 {
		return false
	}
	return now.Sub(c.StartedAt) >= time.Duration(timeoutMS)*time.Millisecond
}
