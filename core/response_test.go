package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHeadersTraditional(t *testing.T) {
	t.Parallel()
	resp, err := ParseHeaders([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\nSet-Cookie: a=1\r\nSet-Cookie: a=2\r\n"))
	require.NoError(t, err)

	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "OK", resp.StatusMessage)
	require.NotNil(t, resp.TotalBytes)
	assert.EqualValues(t, 5, *resp.TotalBytes)
	// last Set-Cookie wins: single-valued map semantics.
	assert.Equal(t, "a=2", resp.Header.Get("Set-Cookie"))
}

func TestParseHeadersPseudoHeaderForm(t *testing.T) {
	t.Parallel()
	resp, err := ParseHeaders([]byte(":status: 204\r\nContent-Type: text/plain\r\n"))
	require.NoError(t, err)

	assert.Equal(t, 204, resp.Status)
	assert.Empty(t, resp.StatusMessage)
	assert.Equal(t, "text/plain", resp.Header.Get("content-type"))
}

func TestParseHeadersDiscardsStrayLines(t *testing.T) {
	t.Parallel()
	resp, err := ParseHeaders([]byte("HTTP/1.1 200 OK\r\nnot-a-header-line\r\nX-A: 1\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "1", resp.Header.Get("X-A"))
}

func TestParseHeadersRejectsOutOfRangeStatus(t *testing.T) {
	t.Parallel()
	_, err := ParseHeaders([]byte("HTTP/1.1 999 Nope\r\n"))
	require.Error(t, err)
}

func TestParseHeadersRejectsUnparsableStatusLine(t *testing.T) {
	t.Parallel()
	_, err := ParseHeaders([]byte("garbage\r\n"))
	require.Error(t, err)
}
