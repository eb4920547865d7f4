package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/visitassist/internal/observability"
	"github.com/ent0n29/visitassist/internal/protocol"
	"github.com/ent0n29/visitassist/internal/reliability"
	"github.com/ent0n29/visitassist/internal/rewrite"
	"github.com/ent0n29/visitassist/internal/session"
	"github.com/ent0n29/visitassist/internal/transcript"
)

const (
	DefaultDispatchTimeout = 15 * time.Second
	DefaultRangeDays       = 7

	archiveQueueSize   = 64
	archiveSaveTimeout = 2 * time.Second
	subscriberBuffer   = 32
)

// Options configures a Router. Fallback is required; Duplex may be nil when
// only the one-shot channel is available.
type Options struct {
	PanelID   string
	UserID    string
	Duplex    Duplex
	Fallback  Fallback
	Archive   transcript.Store
	Metrics   *observability.Metrics
	Logger    *slog.Logger
	Timeout   time.Duration
	RangeDays int
	Now       func() time.Time
}

// Result describes the outcome of one submission.
type Result struct {
	Turn          Turn
	Index         int
	CanonicalText string
	OpenContext   rewrite.OpenContext
	Transport     string
	QueryType     string
	Retried       bool
	Superseded    bool
	NotUnderstood bool
}

// Err returns ErrNotUnderstood when the final reply was still UNKNOWN.
func (r Result) Err() error {
	if r.NotUnderstood {
		return ErrNotUnderstood
	}
	return nil
}

// Router turns user text into backend queries for one panel, dispatches them
// on both transports and reconciles the replies into the conversation log.
type Router struct {
	panelID  string
	userID   string
	duplex   Duplex
	fallback Fallback
	archive  transcript.Store
	metrics  *observability.Metrics
	logger   *slog.Logger
	timeout  time.Duration
	now      func() time.Time
	sessions *session.Store

	submitMu sync.Mutex

	mu          sync.Mutex
	log         Log
	tracker     *Tracker
	dateFrom    *protocol.Date
	dateTo      *protocol.Date
	epoch       uint64
	sessionID   string
	pending     map[string]*pendingDispatch
	duplexOrder []string
	subscribers map[int]chan protocol.PanelEvent
	nextSubID   int
	isClosed    bool
	closed      chan struct{}

	archiveQueue chan archiveOp
	archiveDone  chan struct{}
}

type archiveOp struct {
	supersede bool
	record    transcript.Record
}

func NewRouter(opts Options) (*Router, error) {
	if opts.Fallback == nil {
		return nil, errors.New("assistant: fallback transport is required")
	}
	if opts.PanelID == "" {
		opts.PanelID = uuid.NewString()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultDispatchTimeout
	}
	if opts.RangeDays <= 0 {
		opts.RangeDays = DefaultRangeDays
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	r := &Router{
		panelID:     opts.PanelID,
		userID:      opts.UserID,
		duplex:      opts.Duplex,
		fallback:    opts.Fallback,
		archive:     opts.Archive,
		metrics:     opts.Metrics,
		logger:      opts.Logger.With("panel_id", opts.PanelID),
		timeout:     opts.Timeout,
		now:         opts.Now,
		sessions:    session.NewStore(),
		tracker:     NewTracker(),
		pending:     make(map[string]*pendingDispatch),
		subscribers: make(map[int]chan protocol.PanelEvent),
		closed:      make(chan struct{}),
	}

	today := protocol.NewDate(r.now())
	from := protocol.NewDate(today.AddDate(0, 0, -opts.RangeDays))
	r.dateFrom, r.dateTo = &from, &today

	if r.archive != nil {
		r.archiveQueue = make(chan archiveOp, archiveQueueSize)
		r.archiveDone = make(chan struct{})
		go r.runArchive()
	}

	sess := r.sessions.Create()
	r.sessions.SetResetHook(r.onSessionReset)

	r.mu.Lock()
	r.sessionID = sess.ID
	r.appendLocked(newWelcomeTurn(r.now().UTC()), sess.ID)
	r.mu.Unlock()

	if r.duplex != nil {
		r.duplex.Start(sess.ID, r.onDuplexReply, r.onDuplexConnect)
	}
	r.logger.Info("assistant panel opened", "session_id", sess.ID, "duplex", r.duplex != nil)
	return r, nil
}

func (r *Router) PanelID() string { return r.panelID }

func (r *Router) UserID() string { return r.userID }

func (r *Router) Session() session.Session {
	return r.sessions.Current()
}

// Turns returns a copy of the conversation log.
func (r *Router) Turns() []Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log.Turns()
}

func (r *Router) OpenContext() rewrite.OpenContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tracker.Current()
}

func (r *Router) DateRange() (from, to *protocol.Date) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dateFrom, r.dateTo
}

// SetDateRange sets the filter attached to later queries. Either bound may be
// nil.
func (r *Router) SetDateRange(from, to *protocol.Date) error {
	if from != nil && to != nil && to.Before(from.Time) {
		return fmt.Errorf("date range: dateTo %s is before dateFrom %s", to, from)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dateFrom, r.dateTo = from, to
	return nil
}

// Submit rewrites text, dispatches it and appends the resulting turns. On
// transport failure an error turn is appended and the returned error wraps
// ErrTransportUnavailable.
func (r *Router) Submit(ctx context.Context, text string) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{}, ErrEmptyMessage
	}
	r.submitMu.Lock()
	defer r.submitMu.Unlock()
	startedAt := r.now()

	if r.Closed() {
		return Result{}, ErrClosed
	}
	if !r.sessions.Valid() {
		r.logger.Warn("session invalid before dispatch, forcing reset")
		r.metrics.IncPanelEvent("session_invalid_reset")
		r.sessions.Reset()
	}

	// epoch and sessionID change together in onSessionReset.
	r.mu.Lock()
	epoch, sessionID := r.epoch, r.sessionID
	open := r.tracker.Current()
	canonical := rewrite.Rewrite(text, open)
	q := protocol.Query{
		Message:   canonical,
		SessionID: sessionID,
		DateFrom:  r.dateFrom,
		DateTo:    r.dateTo,
	}
	r.appendLocked(newUserTurn(text, r.now().UTC()), sessionID)
	r.mu.Unlock()

	res := Result{CanonicalText: canonical, OpenContext: open}
	var sample observability.DispatchSample
	defer func() {
		if sample.Outcome == "" {
			return
		}
		sample.Total = r.now().Sub(startedAt)
		sample.Retried, sample.Superseded = res.Retried, res.Superseded
		r.metrics.RecordDispatch(sample)
	}()

	dispatchedAt := r.now()
	reply, transport, err := r.dispatch(ctx, q)
	sample.Latency, sample.Transport = r.now().Sub(dispatchedAt), transport
	if err != nil {
		if errors.Is(err, ErrSessionReset) {
			sample.Outcome = observability.OutcomeReset
		}
		if errors.Is(err, ErrClosed) || errors.Is(err, ErrSessionReset) {
			return res, err
		}
		r.logger.Warn("dispatch failed on every transport",
			"session_id", sessionID,
			"canonical", canonical,
			"error", err,
		)
		r.metrics.IncDispatchOutcome(observability.OutcomeUnavailable, "none")
		turn := newErrorTurn(r.now().UTC())
		idx, ok := r.appendIfCurrent(epoch, turn, sessionID)
		if !ok {
			sample.Outcome = observability.OutcomeReset
			return res, ErrSessionReset
		}
		sample.Outcome = observability.OutcomeUnavailable
		r.metrics.DispatchEvent("error_turn")
		r.mu.Lock()
		r.tracker.Observe(turn)
		r.mu.Unlock()
		res.Turn, res.Index = turn, idx
		return res, fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}

	turn := newAssistantTurn(reply, r.now().UTC())
	idx, ok := r.appendIfCurrent(epoch, turn, sessionID)
	if !ok {
		sample.Outcome = observability.OutcomeReset
		return res, ErrSessionReset
	}
	res.Turn, res.Index, res.Transport = turn, idx, transport

	if reply.NotUnderstood() && canonical != text {
		res.Retried = true
		retry := q
		retry.Message = text
		retryReply, retryTransport, retryErr := r.dispatch(ctx, retry)
		switch {
		case errors.Is(retryErr, ErrClosed):
			return res, retryErr
		case errors.Is(retryErr, ErrSessionReset):
			sample.Outcome = observability.OutcomeReset
			return res, retryErr
		case retryErr != nil:
			r.metrics.IncRetry("failed")
			r.logger.Info("raw text retry failed", "session_id", sessionID, "error", retryErr)
		case retryReply.NotUnderstood():
			r.metrics.IncRetry("unknown")
		default:
			superseded, ok := r.supersedeIfCurrent(epoch, idx, retryReply, sessionID)
			if !ok {
				sample.Outcome = observability.OutcomeReset
				return res, ErrSessionReset
			}
			r.metrics.IncRetry("understood")
			res.Turn, res.Transport, res.Superseded = superseded, retryTransport, true
		}
	}

	r.mu.Lock()
	if r.epoch == epoch {
		r.tracker.Observe(res.Turn)
	}
	r.mu.Unlock()

	res.QueryType = res.Turn.QueryType
	res.NotUnderstood = res.Turn.QueryType == protocol.QueryTypeUnknown
	sample.Outcome = observability.OutcomeUnderstood
	if res.NotUnderstood {
		sample.Outcome = observability.OutcomeNotUnderstood
	}
	r.metrics.IncDispatchOutcome(sample.Outcome, res.Transport)
	return res, nil
}

// dispatch sends q on both transports under one dispatch id and waits for the
// first reply.
func (r *Router) dispatch(ctx context.Context, q protocol.Query) (protocol.Reply, string, error) {
	q.DispatchID = uuid.NewString()
	expected := 1
	if r.duplex != nil {
		expected = 2
	}
	p, err := r.register(q, expected)
	if err != nil {
		return protocol.Reply{}, "", err
	}
	defer r.forget(q.DispatchID)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	go func() {
		reply, err := r.fallback.Query(ctx, q)
		if err != nil {
			r.recordTransportError(TransportFallback, err)
			r.fail(q.DispatchID, TransportFallback, fmt.Errorf("%s: %w", TransportFallback, err))
			return
		}
		r.settle(q.DispatchID, TransportFallback, reply)
	}()

	if r.duplex != nil {
		r.mu.Lock()
		r.trackDuplexLocked(q.DispatchID)
		r.mu.Unlock()
		if !r.duplex.Publish(q) {
			r.mu.Lock()
			r.untrackDuplexLocked(q.DispatchID)
			r.mu.Unlock()
			r.metrics.IncTransportError(TransportDuplex, "not_connected")
			r.fail(q.DispatchID, TransportDuplex, fmt.Errorf("%s: %w", TransportDuplex, errDuplexNotConnected))
		}
	}

	select {
	case out := <-p.done:
		if out.err != nil {
			return protocol.Reply{}, "", out.err
		}
		return out.reply, out.transport, nil
	case <-ctx.Done():
		return protocol.Reply{}, "", fmt.Errorf("no reply within %s: %w", r.timeout, ctx.Err())
	case <-r.closed:
		return protocol.Reply{}, "", ErrClosed
	}
}

func (r *Router) onDuplexReply(reply protocol.Reply) {
	r.mu.Lock()
	if reply.SessionID != "" && reply.SessionID != r.sessionID {
		r.mu.Unlock()
		r.logger.Debug("duplex reply for another session dropped", "reply_session_id", reply.SessionID)
		return
	}
	id := r.correlateDuplexLocked(reply)
	r.mu.Unlock()
	r.settle(id, TransportDuplex, reply)
}

func (r *Router) recordTransportError(transport string, err error) {
	code := "error"
	var statusErr interface{ StatusCode() int }
	switch {
	case errors.Is(err, protocol.ErrMalformedReply):
		code = "malformed_reply"
		r.metrics.IncMalformedReply(transport)
	case errors.Is(err, context.Canceled):
		// The other transport already settled.
		return
	case errors.Is(err, context.DeadlineExceeded):
		code = "timeout"
	case errors.As(err, &statusErr):
		code = reliability.HTTPStatusCode(statusErr.StatusCode())
	}
	r.metrics.IncTransportError(transport, code)
	r.logger.Debug("transport error", "transport", transport, "code", code, "error", err)
}

// Reset replaces the session and clears the log. In-flight submissions end with
// ErrSessionReset.
func (r *Router) Reset() (session.Session, error) {
	if r.Closed() {
		return session.Session{}, ErrClosed
	}
	return r.sessions.Reset(), nil
}

func (r *Router) onSessionReset(prev, next session.Session) {
	r.mu.Lock()
	r.epoch++
	r.sessionID = next.ID
	r.failAllLocked(ErrSessionReset)
	r.duplexOrder = nil
	r.log.Clear()
	r.tracker.Reset()
	r.emitLocked(protocol.PanelEvent{
		Type:      protocol.TypeLogCleared,
		PanelID:   r.panelID,
		SessionID: next.ID,
		Index:     -1,
	})
	if !r.isClosed {
		r.appendLocked(newWelcomeTurn(r.now().UTC()), next.ID)
	}
	r.mu.Unlock()

	if r.duplex != nil {
		r.duplex.SetSession(next.ID)
	}
	r.metrics.IncPanelEvent("session_reset")
	r.metrics.DispatchEvent("session_reset")
	r.logger.Info("session reset", "previous_session_id", prev.ID, "session_id", next.ID)
}

// Subscribe streams log changes. The returned cancel func must be called once
// the subscriber is done.
func (r *Router) Subscribe() (<-chan protocol.PanelEvent, func()) {
	ch := make(chan protocol.PanelEvent, subscriberBuffer)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isClosed {
		close(ch)
		return ch, func() {}
	}
	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = ch
	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if sub, ok := r.subscribers[id]; ok {
			delete(r.subscribers, id)
			close(sub)
		}
	}
}

func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isClosed
}

// Close releases the duplex subscription, fails in-flight dispatches with
// ErrClosed and discards any later reply.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.isClosed {
		r.mu.Unlock()
		return nil
	}
	r.isClosed = true
	close(r.closed)
	r.failAllLocked(ErrClosed)
	for id, ch := range r.subscribers {
		delete(r.subscribers, id)
		close(ch)
	}
	if r.archiveQueue != nil {
		close(r.archiveQueue)
	}
	r.mu.Unlock()

	r.sessions.End()
	var err error
	if r.duplex != nil {
		err = r.duplex.Close()
	}
	if r.archiveDone != nil {
		<-r.archiveDone
	}
	r.logger.Info("assistant panel closed")
	return err
}

func (r *Router) appendIfCurrent(epoch uint64, t Turn, sessionID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isClosed || r.epoch != epoch {
		return 0, false
	}
	return r.appendLocked(t, sessionID), true
}

func (r *Router) supersedeIfCurrent(epoch uint64, index int, reply protocol.Reply, sessionID string) (Turn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isClosed || r.epoch != epoch {
		return Turn{}, false
	}
	t, err := r.log.Supersede(index, reply)
	if err != nil {
		r.logger.Error("supersede failed", "index", index, "error", err)
		return Turn{}, false
	}
	view := t.View()
	r.emitLocked(protocol.PanelEvent{
		Type:      protocol.TypeTurnSuperseded,
		PanelID:   r.panelID,
		SessionID: sessionID,
		Index:     index,
		Turn:      &view,
	})
	r.enqueueArchiveLocked(true, t, sessionID)
	return t, true
}

func (r *Router) appendLocked(t Turn, sessionID string) int {
	idx := r.log.Append(t)
	view := t.View()
	r.emitLocked(protocol.PanelEvent{
		Type:      protocol.TypeTurnAppended,
		PanelID:   r.panelID,
		SessionID: sessionID,
		Index:     idx,
		Turn:      &view,
	})
	r.enqueueArchiveLocked(false, t, sessionID)
	return idx
}

func (r *Router) emitLocked(evt protocol.PanelEvent) {
	for id, ch := range r.subscribers {
		select {
		case ch <- evt:
		default:
			r.logger.Warn("panel subscriber lagging, event dropped", "subscriber", id, "type", evt.Type)
		}
	}
}
