package stream

import (
	"errors"
	"io"
	"sync"
)

// ErrClosed is returned by Append/CloseWrite once CloseWrite has already
// been called.
var ErrClosed = errors.New("stream: write side closed")

// Pipe is an in-memory buffered byte stream implementing both Reader and
// Writer. It backs upload bodies supplied by the caller and the raw
// response buffer each Connection accumulates from the network.
//
// Pipe has no concept of "pulling from upstream" itself — Append is how
// bytes enter it. Pull simply reports what has already been appended, so
// a zero-byte Pull result with Done()==false means "the producer hasn't
// called Append yet", the backpressure signal Reader callers expect.
type Pipe struct {
	mu     sync.Mutex
	buf    []byte
	off    int
	closed bool
	length *int64
}

// NewPipe returns an empty, open Pipe. length, if non-nil, is the known
// total size of the stream (set on upload bodies with Content-Length).
func NewPipe(length *int64) *Pipe {
	return &Pipe{length: length}
}

// NewPipeFromBytes returns a Pipe pre-loaded with b and already
// closed-for-writing, i.e. a finite, fully available stream.
func NewPipeFromBytes(b []byte) *Pipe {
	n := int64(len(b))
	return &Pipe{buf: b, length: &n, closed: true}
}

// Append adds chunk to the stream. Safe to call from a different
// goroutine than Pull/Consume (the transports append from a reader
// goroutine while the engine's tick consumes from the caller's thread).
func (p *Pipe) Append(chunk []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.buf = append(p.buf, chunk...)
	return nil
}

// CloseWrite marks the stream as having no more data. Idempotent.
func (p *Pipe) CloseWrite() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Pull reports currently buffered-and-unread bytes. n is advisory; Pipe
// has nothing to fetch on demand, so Pull never blocks and never errors
// except to surface io.EOF once the write side is closed and fully
// drained.
func (p *Pipe) Pull(n int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	avail := len(p.buf) - p.off
	if avail > 0 {
		return avail, nil
	}
	if p.closed {
		return 0, io.EOF
	}
	return 0, nil
}

// Peek returns the unread buffered bytes without consuming them.
func (p *Pipe) Peek() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf[p.off:]
}

// Consume returns up to n unread bytes and advances past them.
func (p *Pipe) Consume(n int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	avail := len(p.buf) - p.off
	if n > avail {
		n = avail
	}
	if n <= 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, p.buf[p.off:p.off+n])
	p.off += n
	// Reclaim memory once fully drained so long-lived streams don't
	// retain every byte ever appended.
	if p.off == len(p.buf) {
		p.buf = p.buf[:0]
		p.off = 0
	}
	return out
}

// Done reports whether the stream is closed-for-write and fully drained.
func (p *Pipe) Done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed && p.off >= len(p.buf)
}

// Close releases the buffer. Safe to call more than once.
func (p *Pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = nil
	p.closed = true
	return nil
}

// Len returns the known total length, or nil.
func (p *Pipe) Len() *int64 { return p.length }

var (
	_ Reader = (*Pipe)(nil)
	_ Writer = (*Pipe)(nil)
)
