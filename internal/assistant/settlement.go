package assistant

import (
	"errors"
	"fmt"
	"time"

	"github.com/ent0n29/visitassist/internal/protocol"
)

type outcome struct {
	reply     protocol.Reply
	transport string
	err       error
}

// pendingDispatch is the settlement state of one dispatch id. It is removed
// from the table as soon as it settles, so any later reply finds nothing.
type pendingDispatch struct {
	id        string
	sessionID string
	startedAt time.Time
	expected  int
	failures  []error
	done      chan outcome
}

// register adds a dispatch to the settlement table. expected is the number of
// transports that may still answer.
func (r *Router) register(q protocol.Query, expected int) (*pendingDispatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isClosed {
		return nil, ErrClosed
	}
	p := &pendingDispatch{
		id:        q.DispatchID,
		sessionID: q.SessionID,
		startedAt: r.now(),
		expected:  expected,
		done:      make(chan outcome, 1),
	}
	r.pending[p.id] = p
	return p, nil
}

// settle resolves a dispatch with its first reply. It reports false when the
// reply was discarded.
func (r *Router) settle(dispatchID, transport string, reply protocol.Reply) bool {
	r.mu.Lock()
	if r.isClosed {
		r.mu.Unlock()
		r.logger.Debug("reply discarded after close", "panel_id", r.panelID, "transport", transport)
		return false
	}
	p, ok := r.pending[dispatchID]
	if !ok {
		r.mu.Unlock()
		r.metrics.IncDuplicateReply(transport)
		r.logger.Debug("late or duplicate reply ignored",
			"panel_id", r.panelID,
			"dispatch_id", dispatchID,
			"transport", transport,
		)
		return false
	}
	delete(r.pending, p.id)
	r.mu.Unlock()

	r.metrics.ObserveReplyLatency(transport, r.now().Sub(p.startedAt))
	p.done <- outcome{reply: reply, transport: transport}
	return true
}

// fail records a transport failure. The dispatch fails once every expected
// transport has failed.
func (r *Router) fail(dispatchID, transport string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[dispatchID]
	if !ok {
		return
	}
	p.failures = append(p.failures, err)
	if len(p.failures) < p.expected {
		return
	}
	delete(r.pending, p.id)
	p.done <- outcome{transport: transport, err: errors.Join(p.failures...)}
}

// forget drops a finished dispatch. Its duplex publish leaves the order queue
// as well, so a duplex reply that never came cannot shift later matches.
func (r *Router) forget(dispatchID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, dispatchID)
	r.untrackDuplexLocked(dispatchID)
}

// failAllLocked resolves every pending dispatch with err.
func (r *Router) failAllLocked(err error) {
	for id, p := range r.pending {
		delete(r.pending, id)
		p.done <- outcome{err: err}
	}
}

// trackDuplexLocked remembers the publish order of duplex sends. Replies on one
// STOMP connection arrive in order, so a reply without a dispatch id belongs to
// the oldest publish still waiting. Only unfinished dispatches of the current
// connection are queued.
func (r *Router) trackDuplexLocked(dispatchID string) {
	r.duplexOrder = append(r.duplexOrder, dispatchID)
}

func (r *Router) untrackDuplexLocked(dispatchID string) {
	for i, id := range r.duplexOrder {
		if id == dispatchID {
			r.duplexOrder = append(r.duplexOrder[:i], r.duplexOrder[i+1:]...)
			return
		}
	}
}

// correlateDuplexLocked returns the dispatch id a duplex reply answers.
func (r *Router) correlateDuplexLocked(reply protocol.Reply) string {
	if reply.DispatchID != "" {
		r.untrackDuplexLocked(reply.DispatchID)
		return reply.DispatchID
	}
	if len(r.duplexOrder) == 0 {
		return ""
	}
	id := r.duplexOrder[0]
	r.duplexOrder = r.duplexOrder[1:]
	return id
}

// onDuplexConnect runs before a new duplex connection accepts publishes.
// Publishes made on the previous connection will never be answered.
func (r *Router) onDuplexConnect() {
	r.mu.Lock()
	stale := r.duplexOrder
	r.duplexOrder = nil
	r.mu.Unlock()
	for _, id := range stale {
		r.metrics.DispatchEvent("stale_duplex_publish")
		r.fail(id, TransportDuplex, fmt.Errorf("%s: %w", TransportDuplex, errDuplexReconnected))
	}
}
