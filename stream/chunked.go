package stream

import (
	"bytes"
	"io"
	"strconv"

	"github.com/wpcrawl/httpengine/errs"
)

type chunkState int

const (
	chunkStateSize chunkState = iota
	chunkStateData
	chunkStateDataCRLF
	chunkStateTrailer
	chunkStateDone
)

// ChunkedDecoder decodes HTTP/1.1 chunked transfer-encoding framing
// (`<hex-len>[;ext]\r\n<bytes>\r\n...0\r\n\r\n`) from src.
// Trailers are accepted and discarded up to the terminating empty line.
type ChunkedDecoder struct {
	src       Reader
	out       *Pipe
	state     chunkState
	remaining int64
	failed    error
}

// NewChunkedDecoder wraps src, decoding its chunked framing.
func NewChunkedDecoder(src Reader) *ChunkedDecoder {
	return &ChunkedDecoder{src: src, out: NewPipe(nil)}
}

func (d *ChunkedDecoder) fail(msg string) error {
	d.failed = errs.New(errs.MalformedChunk, msg)
	_ = d.out.CloseWrite()
	return d.failed
}

// Pull drives the underlying reader and the chunk parser forward, then
// reports how many decoded bytes are available.
func (d *ChunkedDecoder) Pull(n int) (int, error) {
	if d.failed != nil {
		return 0, d.failed
	}
	if _, err := d.src.Pull(n); err != nil && err != io.EOF {
		return 0, err
	}
	for d.state != chunkStateDone {
		raw := d.src.Peek()
		switch d.state {
		case chunkStateSize:
			idx := bytes.Index(raw, []byte("\r\n"))
			if idx < 0 {
				if d.src.Done() {
					return 0, d.fail("truncated chunk size line")
				}
				return d.out.Pull(n)
			}
			line := raw[:idx]
			d.src.Consume(idx + 2)
			if semi := bytes.IndexByte(line, ';'); semi >= 0 {
				line = line[:semi]
			}
			size, err := strconv.ParseInt(string(bytes.TrimSpace(line)), 16, 64)
			if err != nil || size < 0 {
				return 0, d.fail("non-hex chunk size")
			}
			if size == 0 {
				d.state = chunkStateTrailer
			} else {
				d.remaining = size
				d.state = chunkStateData
			}
		case chunkStateData:
			avail := int64(len(raw))
			if avail == 0 {
				if d.src.Done() {
					return 0, d.fail("truncated chunk body")
				}
				return d.out.Pull(n)
			}
			take := avail
			if take > d.remaining {
				take = d.remaining
			}
			_ = d.out.Append(d.src.Consume(int(take)))
			d.remaining -= take
			if d.remaining == 0 {
				d.state = chunkStateDataCRLF
			}
		case chunkStateDataCRLF:
			if len(raw) < 2 {
				if d.src.Done() {
					return 0, d.fail("missing chunk terminator")
				}
				return d.out.Pull(n)
			}
			if raw[0] != '\r' || raw[1] != '\n' {
				return 0, d.fail("missing CRLF after chunk data")
			}
			d.src.Consume(2)
			d.state = chunkStateSize
		case chunkStateTrailer:
			idx := bytes.Index(raw, []byte("\r\n"))
			if idx < 0 {
				if d.src.Done() {
					return 0, d.fail("truncated trailers")
				}
				return d.out.Pull(n)
			}
			d.src.Consume(idx + 2)
			if idx == 0 {
				d.state = chunkStateDone
				_ = d.out.CloseWrite()
			}
		}
	}
	return d.out.Pull(n)
}

func (d *ChunkedDecoder) Peek() []byte       { return d.out.Peek() }
func (d *ChunkedDecoder) Consume(n int) []byte { return d.out.Consume(n) }
func (d *ChunkedDecoder) Done() bool          { return d.out.Done() }
func (d *ChunkedDecoder) Close() error        { return d.out.Close() }
func (d *ChunkedDecoder) Len() *int64         { return nil }

// ChunkedEncoder frames data written to it as chunked transfer-encoding
// on sink, emitting a final zero-length chunk on CloseWrite.
type ChunkedEncoder struct {
	sink Writer
}

// NewChunkedEncoder wraps sink, chunk-framing everything Appended to it.
func NewChunkedEncoder(sink Writer) *ChunkedEncoder {
	return &ChunkedEncoder{sink: sink}
}

func (e *ChunkedEncoder) Append(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	var framed bytes.Buffer
	framed.WriteString(strconv.FormatInt(int64(len(chunk)), 16))
	framed.WriteString("\r\n")
	framed.Write(chunk)
	framed.WriteString("\r\n")
	return e.sink.Append(framed.Bytes())
}

func (e *ChunkedEncoder) CloseWrite() error {
	if err := e.sink.Append([]byte("0\r\n\r\n")); err != nil {
		return err
	}
	return e.sink.CloseWrite()
}

var (
	_ Reader = (*ChunkedDecoder)(nil)
	_ Writer = (*ChunkedEncoder)(nil)
)
