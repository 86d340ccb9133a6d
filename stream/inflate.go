package stream

import (
	"compress/flate"
	"compress/gzip"
	"io"
	"strings"

	"github.com/andybalholm/brotli"

	"github.com/wpcrawl/httpengine/errs"
)

// Inflate wraps src, decompressing it according to encoding (gzip,
// deflate, br, or identity). Any other encoding fails with
// UnsupportedEncoding on the first Pull; corrupted input fails with
// DecodeError once a decompressor is in use.
//
// Chains stdlib/brotli decoders, the same way a one-shot io.Reader
// chain would, but drives them over a pull-based Reader instead.
type Inflate struct {
	src      Reader
	encoding string
	out      *Pipe
	decoder  io.Reader
	started  bool
	failed   error
}

// NewInflate wraps src, lazily constructing the decompressor for
// encoding on first Pull (gzip needs to see its header before it can be
// built, so construction can itself fail with DecodeError).
func NewInflate(src Reader, encoding string) *Inflate {
	return &Inflate{src: src, encoding: strings.TrimSpace(strings.ToLower(encoding)), out: NewPipe(nil)}
}

// pullReader adapts a stream.Reader to io.Reader for the stdlib/brotli
// decompressors, which expect push-style Read semantics. Read blocks
// conceptually on Pull returning progress; since src is always backed by
// an in-memory Pipe by the time Inflate runs (the raw response buffer),
// Pull never legitimately stalls here except at true end-of-data.
type pullReader struct{ r Reader }

func (p pullReader) Read(b []byte) (int, error) {
	for {
		avail := len(p.r.Peek())
		if avail > 0 {
			n := copy(b, p.r.Peek())
			p.r.Consume(n)
			return n, nil
		}
		if p.r.Done() {
			return 0, io.EOF
		}
		if _, err := p.r.Pull(len(b)); err != nil && err != io.EOF {
			return 0, err
		} else if err == io.EOF {
			return 0, io.EOF
		}
	}
}

func (in *Inflate) ensureDecoder() error {
	if in.started {
		return nil
	}
	in.started = true
	pr := pullReader{in.src}
	var err error
	switch in.encoding {
	case "", "identity":
		in.decoder = pr
	case "gzip":
		in.decoder, err = gzip.NewReader(pr)
	case "deflate":
		in.decoder = flate.NewReader(pr)
	case "br":
		in.decoder = brotli.NewReader(pr)
	default:
		in.failed = errs.New(errs.UnsupportedEncoding, in.encoding)
		return in.failed
	}
	if err != nil {
		in.failed = errs.Wrap(errs.DecodeError, "opening decompressor", err)
		return in.failed
	}
	return nil
}

// Pull decodes as much as is available from src and reports how many
// decoded bytes are now buffered.
func (in *Inflate) Pull(n int) (int, error) {
	if in.failed != nil {
		return 0, in.failed
	}
	if err := in.ensureDecoder(); err != nil {
		return 0, err
	}
	if n <= 0 {
		n = 32 * 1024
	}
	buf := make([]byte, n)
	read, err := in.decoder.Read(buf)
	if read > 0 {
		_ = in.out.Append(buf[:read])
	}
	switch {
	case err == io.EOF:
		_ = in.out.CloseWrite()
	case err != nil:
		in.failed = errs.Wrap(errs.DecodeError, "decompressing body", err)
		_ = in.out.CloseWrite()
		return 0, in.failed
	}
	return in.out.Pull(n)
}

func (in *Inflate) Peek() []byte       { return in.out.Peek() }
func (in *Inflate) Consume(n int) []byte { return in.out.Consume(n) }
func (in *Inflate) Done() bool          { return in.out.Done() }
func (in *Inflate) Close() error        { return in.out.Close() }
func (in *Inflate) Len() *int64         { return nil }

var _ Reader = (*Inflate)(nil)

// DecodeAll decodes raw according to encoding in one synchronous pass.
// Nothing in the engine itself calls it; it exists for tests.
func DecodeAll(encoding string, raw []byte) ([]byte, error) {
	src := NewPipeFromBytes(raw)
	in := NewInflate(src, encoding)
	return ReadAll(in, 64*1024)
}
