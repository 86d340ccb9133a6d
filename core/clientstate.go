package core

import "sort"

// ClientState owns the request table, the connection table, the
// per-request pending-event flags, and the three scratch slots
// populated by AwaitNextEvent. It is mutated exclusively from within
// the Client's own await-next-event path; no locking is required
// because no reentrancy is permitted.
type ClientState struct {
	Concurrency int

	requests    map[int64]*Request
	connections map[int64]*Connection
	pending     map[int64]EventSet
	order       []int64 // enqueue order, for concurrency-cap slicing

	// Scratch slots populated by AwaitNextEvent.
	CurrentEvent     Event
	CurrentRequestID int64
	CurrentChunk     []byte
}

// NewClientState returns an empty ClientState capped at concurrency
// simultaneously-active requests.
func NewClientState(concurrency int) *ClientState {
	if concurrency <= 0 {
		concurrency = 10
	}
	return &ClientState{
		Concurrency: concurrency,
		requests:    make(map[int64]*Request),
		connections: make(map[int64]*Connection),
		pending:     make(map[int64]EventSet),
	}
}

// AddRequest registers r in the request table, in enqueue order.
func (cs *ClientState) AddRequest(r *Request) {
	cs.requests[r.ID] = r
	cs.order = append(cs.order, r.ID)
}

// Request looks up a request by id.
func (cs *ClientState) Request(id int64) (*Request, bool) {
	r, ok := cs.requests[id]
	return r, ok
}

// Requests returns every tracked request in enqueue order.
func (cs *ClientState) Requests() []*Request {
	out := make([]*Request, 0, len(cs.order))
	for _, id := range cs.order {
		if r, ok := cs.requests[id]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Connection returns the Connection for id, if any.
func (cs *ClientState) Connection(id int64) (*Connection, bool) {
	c, ok := cs.connections[id]
	return c, ok
}

// SetConnection installs a Connection for id, maintaining the
// invariant that exactly one Connection exists per non-terminal Request.
func (cs *ClientState) SetConnection(id int64, c *Connection) {
	cs.connections[id] = c
}

// ReleaseConnection destroys the Connection for id, called when the
// request reaches FINISHED or FAILED.
func (cs *ClientState) ReleaseConnection(id int64) {
	delete(cs.connections, id)
}

// SetPending marks ev pending for id.
func (cs *ClientState) SetPending(id int64, ev Event) {
	cs.pending[id] = cs.pending[id].Set(ev)
}

// ClearPending unmarks ev for id.
func (cs *ClientState) ClearPending(id int64, ev Event) {
	cs.pending[id] = cs.pending[id].Clear(ev)
}

// PendingHighest returns the highest-priority pending event for id.
func (cs *ClientState) PendingHighest(id int64) Event {
	return cs.pending[id].Highest()
}

// HasAnyPending reports whether any of ids has a pending event.
func (cs *ClientState) HasAnyPending(ids []int64) bool {
	for _, id := range ids {
		if !cs.pending[id].Empty() {
			return true
		}
	}
	return false
}

// ActiveSlice returns, in request-id order, the requests eligible to
// occupy a transport slot this tick: every request already past ENQUEUED
// (and not yet terminal) plus as many ENQUEUED requests, earliest
// enqueued first, as fit in the remaining concurrency budget.
func (cs *ClientState) ActiveSlice() []*Request {
	var past, enqueued []*Request
	for _, id := range cs.order {
		r, ok := cs.requests[id]
		if !ok || r.State.Terminal() {
			continue
		}
		if r.State == Enqueued {
			enqueued = append(enqueued, r)
		} else {
			past = append(past, r)
		}
	}
	budget := cs.Concurrency - len(past)
	if budget < 0 {
		budget = 0
	}
	if budget > len(enqueued) {
		budget = len(enqueued)
	}
	out := make([]*Request, 0, len(past)+budget)
	out = append(out, past...)
	out = append(out, enqueued[:budget]...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AllTerminal reports whether every tracked request has reached
// FINISHED or FAILED.
func (cs *ClientState) AllTerminal() bool {
	for _, id := range cs.order {
		if r, ok := cs.requests[id]; ok && !r.State.Terminal() {
			return false
		}
	}
	return true
}
