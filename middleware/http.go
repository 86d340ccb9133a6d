package middleware

import (
	"time"

	"github.com/wpcrawl/httpengine/core"
	"github.com/wpcrawl/httpengine/transport"
)

// minAwaitBudget is the floor for HttpMiddleware's per-call timeout
// budget, applied even to requests with a very small TimeoutMS.
const minAwaitBudget = 300 * time.Millisecond

// HttpMiddleware is the terminal middleware: it owns the ClientState
// and drives a Transport's Tick until an event surfaces or its timeout
// budget elapses.
type HttpMiddleware struct {
	state     *core.ClientState
	transport transport.Transport
	now       func() time.Time
}

// NewHttpMiddleware returns an HttpMiddleware driving tr over state.
func NewHttpMiddleware(state *core.ClientState, tr transport.Transport) *HttpMiddleware {
	return &HttpMiddleware{state: state, transport: tr, now: time.Now}
}

// Enqueue marks req ENQUEUED and registers it in the request table. The
// transport itself creates the per-request Connection record the first
// time it sees the request in the ENQUEUED state.
func (m *HttpMiddleware) Enqueue(req *core.Request) {
	req.State = core.Enqueued
	m.state.AddRequest(req)
}

// AwaitNextEvent implements Middleware.
func (m *HttpMiddleware) AwaitNextEvent(ids []int64) bool {
	targets := m.resolve(ids)
	if m.deliverPending(targets) {
		return true
	}

	deadline := m.now().Add(m.budget(targets))
	for m.now().Before(deadline) {
		progressed, err := m.transport.Tick(m.state, m.now())
		if err != nil {
			return false
		}
		if m.deliverPending(targets) {
			return true
		}
		if !progressed {
			time.Sleep(transport.PollInterval)
		}
	}
	return false
}

// resolve expands ids into the concrete set of request ids to consider;
// nil or empty means every request currently tracked.
func (m *HttpMiddleware) resolve(ids []int64) []int64 {
	if len(ids) > 0 {
		return ids
	}
	out := make([]int64, 0, len(m.state.Requests()))
	for _, r := range m.state.Requests() {
		out = append(out, r.ID)
	}
	return out
}

// deliverPending finds the first of targets with a pending event,
// populates state's scratch slots, and clears the flag. It returns
// false (leaving the scratch slots untouched) when nothing is pending.
func (m *HttpMiddleware) deliverPending(targets []int64) bool {
	for _, id := range targets {
		ev := m.state.PendingHighest(id)
		if ev == core.NoEvent {
			continue
		}
		m.state.ClearPending(id, ev)
		m.state.CurrentEvent = ev
		m.state.CurrentRequestID = id
		if ev != core.EventBodyChunkAvailable {
			m.state.CurrentChunk = nil
		}
		return true
	}
	return false
}

// budget computes the timeout window for one AwaitNextEvent call: the
// largest TimeoutMS among targets, plus ~10%, floored at
// minAwaitBudget.
func (m *HttpMiddleware) budget(targets []int64) time.Duration {
	var maxMS int64
	for _, id := range targets {
		if req, ok := m.state.Request(id); ok && req.TimeoutMS > maxMS {
			maxMS = req.TimeoutMS
		}
	}
	d := time.Duration(float64(maxMS)*1.1) * time.Millisecond
	if d < minAwaitBudget {
		d = minAwaitBudget
	}
	return d
}
