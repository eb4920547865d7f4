package observability

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Dispatch outcomes recorded by the router.
const (
	OutcomeUnderstood    = "understood"
	OutcomeNotUnderstood = "not_understood"
	OutcomeUnavailable   = "unavailable"
	OutcomeReset         = "reset"
)

// DispatchSample is one finished submission.
type DispatchSample struct {
	// Transport settled the first dispatch; empty when none answered.
	Transport  string
	Outcome    string
	Latency    time.Duration
	Total      time.Duration
	Retried    bool
	Superseded bool
}

// LatencySummary uses nearest-rank percentiles.
type LatencySummary struct {
	Samples    int     `json:"samples"`
	P50MS      float64 `json:"p50_ms"`
	P95MS      float64 `json:"p95_ms"`
	MaxMS      float64 `json:"max_ms"`
	BudgetMS   float64 `json:"budget_ms,omitempty"`
	OverBudget int     `json:"over_budget,omitempty"`
}

type DispatchSnapshot struct {
	GeneratedAt time.Time                 `json:"generated_at"`
	WindowSize  int                       `json:"window_size"`
	Dispatches  int                       `json:"dispatches"`
	Transports  map[string]LatencySummary `json:"transports"`
	Submit      LatencySummary            `json:"submit"`
	Outcomes    map[string]int            `json:"outcomes"`
	Retried     int                       `json:"retried"`
	Superseded  int                       `json:"superseded"`
	// Events counts router happenings since the last reset, independent of
	// the sample window.
	Events map[string]int `json:"events,omitempty"`
}

// Reply budgets per settling transport and for a whole submission.
var latencyBudgets = map[string]time.Duration{
	"duplex":   400 * time.Millisecond,
	"fallback": 800 * time.Millisecond,
	"submit":   2500 * time.Millisecond,
}

// dispatchWindow keeps the last size submissions in a ring.
type dispatchWindow struct {
	mu      sync.Mutex
	size    int
	samples []DispatchSample
	next    int
	events  map[string]int
}

func newDispatchWindow(size int) *dispatchWindow {
	if size <= 0 {
		size = 256
	}
	return &dispatchWindow{
		size:    size,
		samples: make([]DispatchSample, 0, size),
		events:  make(map[string]int),
	}
}

func (w *dispatchWindow) Record(s DispatchSample) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) < w.size {
		w.samples = append(w.samples, s)
		return
	}
	w.samples[w.next] = s
	w.next = (w.next + 1) % w.size
}

func (w *dispatchWindow) Event(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events[name]++
}

func (w *dispatchWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = w.samples[:0]
	w.next = 0
	w.events = make(map[string]int)
}

func (w *dispatchWindow) Snapshot() DispatchSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := DispatchSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Dispatches:  len(w.samples),
		Transports:  make(map[string]LatencySummary),
		Outcomes:    make(map[string]int),
	}
	byTransport := make(map[string][]time.Duration)
	totals := make([]time.Duration, 0, len(w.samples))
	for _, s := range w.samples {
		snap.Outcomes[s.Outcome]++
		if s.Retried {
			snap.Retried++
		}
		if s.Superseded {
			snap.Superseded++
		}
		if s.Transport != "" {
			byTransport[s.Transport] = append(byTransport[s.Transport], s.Latency)
		}
		totals = append(totals, s.Total)
	}
	for transport, lat := range byTransport {
		snap.Transports[transport] = summarizeLatencies(lat, latencyBudgets[transport])
	}
	snap.Submit = summarizeLatencies(totals, latencyBudgets["submit"])
	if len(w.events) > 0 {
		snap.Events = make(map[string]int, len(w.events))
		for k, v := range w.events {
			snap.Events[k] = v
		}
	}
	return snap
}

func summarizeLatencies(lat []time.Duration, budget time.Duration) LatencySummary {
	out := LatencySummary{Samples: len(lat), BudgetMS: millis(budget)}
	if len(lat) == 0 {
		return out
	}
	sorted := append([]time.Duration(nil), lat...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	out.P50MS = millis(NearestRank(sorted, 0.50))
	out.P95MS = millis(NearestRank(sorted, 0.95))
	out.MaxMS = millis(sorted[len(sorted)-1])
	if budget > 0 {
		out.OverBudget = len(sorted) - sort.Search(len(sorted), func(i int) bool { return sorted[i] > budget })
	}
	return out
}

// NearestRank returns the p-th percentile of sorted latencies.
func NearestRank(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))+0.999999) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
