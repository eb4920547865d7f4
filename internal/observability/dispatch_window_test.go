package observability

import (
	"testing"
	"time"
)

func TestDispatchWindowSnapshot(t *testing.T) {
	w := newDispatchWindow(8)
	w.Record(DispatchSample{Transport: "duplex", Outcome: OutcomeUnderstood, Latency: 200 * time.Millisecond, Total: 210 * time.Millisecond})
	w.Record(DispatchSample{Transport: "duplex", Outcome: OutcomeUnderstood, Latency: 300 * time.Millisecond, Total: 310 * time.Millisecond})
	w.Record(DispatchSample{Transport: "duplex", Outcome: OutcomeNotUnderstood, Latency: 500 * time.Millisecond, Total: 900 * time.Millisecond, Retried: true})
	w.Record(DispatchSample{Transport: "fallback", Outcome: OutcomeUnderstood, Latency: 100 * time.Millisecond, Total: 3 * time.Second, Retried: true, Superseded: true})
	w.Record(DispatchSample{Outcome: OutcomeUnavailable, Total: time.Second})
	w.Event("session_reset")
	w.Event("session_reset")
	w.Event(" ")

	snap := w.Snapshot()
	if snap.WindowSize != 8 || snap.Dispatches != 5 {
		t.Fatalf("WindowSize = %d Dispatches = %d", snap.WindowSize, snap.Dispatches)
	}
	duplex := snap.Transports["duplex"]
	if duplex.Samples != 3 || duplex.P50MS != 300 || duplex.P95MS != 500 || duplex.MaxMS != 500 {
		t.Fatalf("duplex summary = %+v", duplex)
	}
	if duplex.BudgetMS != 400 || duplex.OverBudget != 1 {
		t.Fatalf("duplex budget = %+v, want 400ms with one sample over", duplex)
	}
	if _, ok := snap.Transports[""]; ok {
		t.Fatalf("unanswered dispatch counted under an empty transport")
	}
	if snap.Submit.Samples != 5 || snap.Submit.OverBudget != 1 {
		t.Fatalf("submit summary = %+v", snap.Submit)
	}
	if snap.Outcomes[OutcomeUnderstood] != 3 || snap.Outcomes[OutcomeUnavailable] != 1 {
		t.Fatalf("Outcomes = %+v", snap.Outcomes)
	}
	if snap.Retried != 2 || snap.Superseded != 1 {
		t.Fatalf("Retried = %d Superseded = %d", snap.Retried, snap.Superseded)
	}
	if len(snap.Events) != 1 || snap.Events["session_reset"] != 2 {
		t.Fatalf("Events = %+v", snap.Events)
	}
}

func TestDispatchWindowKeepsNewestSamples(t *testing.T) {
	w := newDispatchWindow(2)
	for _, ms := range []time.Duration{10, 20, 30} {
		w.Record(DispatchSample{Transport: "fallback", Outcome: OutcomeUnderstood, Latency: ms * time.Millisecond})
	}
	got := w.Snapshot().Transports["fallback"]
	if got.Samples != 2 || got.P50MS != 20 || got.MaxMS != 30 {
		t.Fatalf("fallback summary = %+v, want the two newest samples", got)
	}
}

func TestDispatchWindowReset(t *testing.T) {
	w := newDispatchWindow(4)
	w.Record(DispatchSample{Transport: "duplex", Outcome: OutcomeUnderstood})
	w.Event("duplicate_reply")
	w.Reset()
	snap := w.Snapshot()
	if snap.Dispatches != 0 || len(snap.Events) != 0 || len(snap.Transports) != 0 {
		t.Fatalf("snapshot after Reset = %+v", snap)
	}
	w.Record(DispatchSample{Transport: "duplex", Outcome: OutcomeUnderstood})
	if got := w.Snapshot().Dispatches; got != 1 {
		t.Fatalf("Dispatches after Reset and Record = %d, want 1", got)
	}
}

func TestNearestRank(t *testing.T) {
	sorted := []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	if got := NearestRank(sorted, 0.5); got != 5 {
		t.Fatalf("p50 = %d, want 5", got)
	}
	if got := NearestRank(sorted, 0.95); got != 10 {
		t.Fatalf("p95 = %d, want 10", got)
	}
	if got := NearestRank(nil, 0.5); got != 0 {
		t.Fatalf("empty p50 = %d", got)
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.ObserveReplyLatency("duplex", time.Second)
	m.IncDuplicateReply("fallback")
	m.RecordDispatch(DispatchSample{Outcome: OutcomeUnderstood})
	m.DispatchEvent("session_reset")
	m.ResetDispatchWindow()
	if snap := m.DispatchSnapshot(); snap.Dispatches != 0 {
		t.Fatalf("snapshot = %+v, want empty", snap)
	}
}
