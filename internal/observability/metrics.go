package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActivePanels     prometheus.Gauge
	PanelEvents      *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec
	DispatchOutcomes *prometheus.CounterVec
	TransportErrors  *prometheus.CounterVec
	DuplicateReplies *prometheus.CounterVec
	MalformedReplies *prometheus.CounterVec
	DuplexReconnects prometheus.Counter
	Retries          *prometheus.CounterVec
	ReplyLatency     *prometheus.HistogramVec
	dispatches       *dispatchWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActivePanels: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_panels",
			Help:      "Number of open assistant panels.",
		}),
		PanelEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "panel_events_total",
			Help:      "Panel lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Panel WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		DispatchOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_outcomes_total",
			Help:      "Dispatch outcomes by result and settling transport.",
		}, []string{"outcome", "transport"}),
		TransportErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_errors_total",
			Help:      "Transport failures by transport and code.",
		}, []string{"transport", "code"}),
		DuplicateReplies: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_replies_total",
			Help:      "Replies ignored because their dispatch was already settled.",
		}, []string{"transport"}),
		MalformedReplies: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_replies_total",
			Help:      "Replies dropped for failing validation.",
		}, []string{"transport"}),
		DuplexReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplex_reconnects_total",
			Help:      "Scheduled duplex reconnect attempts.",
		}),
		Retries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raw_text_retries_total",
			Help:      "Retries with the unrewritten text by result.",
		}, []string{"result"}),
		ReplyLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reply_latency_ms",
			Help:      "Latency from dispatch to settling reply in milliseconds.",
			Buckets:   []float64{25, 50, 100, 200, 400, 800, 1600, 3200, 6400, 15000},
		}, []string{"transport"}),
		dispatches: newDispatchWindow(256),
	}
}

func (m *Metrics) ObserveReplyLatency(transport string, d time.Duration) {
	if m == nil {
		return
	}
	m.ReplyLatency.WithLabelValues(transport).Observe(millis(d))
}

// RecordDispatch adds a finished submission to the /v1/perf/dispatch window.
func (m *Metrics) RecordDispatch(s DispatchSample) {
	if m == nil {
		return
	}
	m.dispatches.Record(s)
}

// DispatchEvent counts a router event such as a session reset or a stale
// duplex publish.
func (m *Metrics) DispatchEvent(name string) {
	if m == nil {
		return
	}
	m.dispatches.Event(name)
}

func (m *Metrics) DispatchSnapshot() DispatchSnapshot {
	if m == nil {
		return newDispatchWindow(0).Snapshot()
	}
	return m.dispatches.Snapshot()
}

func (m *Metrics) ResetDispatchWindow() {
	if m == nil {
		return
	}
	m.dispatches.Reset()
}

func (m *Metrics) IncPanelEvent(event string) {
	if m == nil {
		return
	}
	m.PanelEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) IncDispatchOutcome(outcome, transport string) {
	if m == nil {
		return
	}
	m.DispatchOutcomes.WithLabelValues(outcome, transport).Inc()
}

func (m *Metrics) IncTransportError(transport, code string) {
	if m == nil {
		return
	}
	m.TransportErrors.WithLabelValues(transport, code).Inc()
}

func (m *Metrics) IncDuplicateReply(transport string) {
	if m == nil {
		return
	}
	m.DuplicateReplies.WithLabelValues(transport).Inc()
	m.dispatches.Event("duplicate_reply")
}

func (m *Metrics) IncMalformedReply(transport string) {
	if m == nil {
		return
	}
	m.MalformedReplies.WithLabelValues(transport).Inc()
}

func (m *Metrics) IncDuplexReconnect() {
	if m == nil {
		return
	}
	m.DuplexReconnects.Inc()
}

func (m *Metrics) IncRetry(result string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(result).Inc()
}

func (m *Metrics) IncWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
