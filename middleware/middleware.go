// Package middleware implements the Redirection -> Cache -> Http chain
// that sits between the Client façade and the transport. Every link in
// the chain presents the same two-method capability, so the chain is
// built as a simple stack of wrappers rather than a graph: each
// middleware holds a shared reference to the ClientState and an
// exclusive reference to the next middleware downstream.
package middleware

import "github.com/wpcrawl/httpengine/core"

// Middleware is the uniform capability every link in the chain
// presents: enqueue a request, then pull events out of it.
type Middleware interface {
	// Enqueue admits req into this middleware's view of the world. It
	// may forward immediately to the next middleware, or hold the
	// request back (e.g. to decide cache replay vs. revalidation).
	Enqueue(req *core.Request)

	// AwaitNextEvent drains one event for the given request ids (nil or
	// empty means "every tracked request") into state's scratch slots
	// (CurrentEvent, CurrentRequestID, CurrentChunk), driving downstream
	// work as needed. It returns false if no event arrived before the
	// middleware's timeout budget elapsed.
	AwaitNextEvent(ids []int64) bool
}
