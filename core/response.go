package core

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/wpcrawl/httpengine/errs"
)

// Response is sealed when EVENT_GOT_HEADERS is emitted; body bytes are
// appended to ReceivedBytes as the decoder stream advances.
type Response struct {
	Proto         string // "" for the HTTP/2-style pseudo-header form
	Status        int
	StatusMessage string // nil (empty) for the pseudo-header form
	Header        *Header
	ReceivedBytes int64
	TotalBytes    *int64 // from Content-Length, if present
	Request       *Request
}

// ParseHeaders parses a header block in either the traditional
// "HTTP/x.y <code> [message]\r\nName: Value\r\n...\r\n\r\n" form or the
// HTTP/2-style pseudo-header form (":status: <code>" followed by normal
// headers). raw must not include the terminating blank line's trailing
// bytes beyond it.
//
// Any line after the status line without a ": " separator is discarded
// rather than treated as an error.
func ParseHeaders(raw []byte) (*Response, error) {
	sc := bufio.NewScanner(strings.NewReader(string(raw)))
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	if !sc.Scan() {
		return nil, errs.New(errs.MalformedHeaders, "empty header block")
	}
	statusLine := sc.Text()

	resp := &Response{Header: NewHeader()}

	switch {
	case strings.HasPrefix(statusLine, ":status:"):
		code, err := parseStatusCode(strings.TrimSpace(strings.TrimPrefix(statusLine, ":status:")))
		if err != nil {
			return nil, err
		}
		resp.Status = code
	case strings.HasPrefix(statusLine, "HTTP/"):
		proto, code, msg, err := parseStatusLine(statusLine)
		if err != nil {
			return nil, err
		}
		resp.Proto = proto
		resp.Status = code
		resp.StatusMessage = msg
	default:
		return nil, errs.New(errs.MalformedHeaders, fmt.Sprintf("unrecognised status line %q", statusLine))
	}

	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ": ")
		if !ok {
			// Stray line with no ": " separator: discarded
			continue
		}
		resp.Header.Set(name, value)
	}

	if cl := resp.Header.Get("content-length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err == nil && n >= 0 {
			resp.TotalBytes = &n
		}
	}

	return resp, nil
}

func parseStatusCode(s string) (int, error) {
	code, err := strconv.Atoi(s)
	if err != nil || code < 100 || code > 599 {
		return 0, errs.New(errs.MalformedHeaders, fmt.Sprintf("status %q out of range", s))
	}
	return code, nil
}

func parseStatusLine(line string) (proto string, code int, msg string, err error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return "", 0, "", errs.New(errs.MalformedHeaders, fmt.Sprintf("malformed status line %q", line))
	}
	code, cerr := strconv.Atoi(parts[1])
	if cerr != nil || code < 100 || code > 599 {
		return "", 0, "", errs.New(errs.MalformedHeaders, fmt.Sprintf("status %q out of range", parts[1]))
	}
	if len(parts) == 3 {
		msg = parts[2]
	}
	return parts[0], code, msg, nil
}
