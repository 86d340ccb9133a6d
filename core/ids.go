package core

import "sync/atomic"

// requestIDSeq is the process-wide monotonic counter backing Request.ID.
var requestIDSeq int64

// nextRequestID returns the next id in the process-wide sequence. IDs
// start at 1 so the zero value of int64 can mean "no request".
func nextRequestID() int64 {
	return atomic.AddInt64(&requestIDSeq, 1)
}
