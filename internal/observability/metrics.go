package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the client.
type Metrics struct {
	GatewayRequests   *prometheus.CounterVec
	GatewayReplays    prometheus.Counter
	Refreshes         *prometheus.CounterVec
	RefreshWaiters    prometheus.Histogram
	StreamConnections prometheus.Gauge
	StreamFrames      *prometheus.CounterVec
	EngineEvents      *prometheus.CounterVec
	ViewSize          *prometheus.GaugeVec
}

// NewMetrics registers the instruments with reg. A nil reg uses the
// process-wide default registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		GatewayRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_requests_total",
			Help:      "Outbound API requests by outcome.",
		}, []string{"outcome"}),
		GatewayReplays: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_replays_total",
			Help:      "Requests replayed after a credential refresh.",
		}),
		Refreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_refreshes_total",
			Help:      "Credential refresh calls by result.",
		}, []string{"result"}),
		RefreshWaiters: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "credential_refresh_waiters",
			Help:      "Callers resolved by a single refresh.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32},
		}),
		StreamConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_connections",
			Help:      "Open push-stream connections.",
		}),
		StreamFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_frames_total",
			Help:      "Push-stream frames by topic and kind.",
		}, []string{"topic", "kind"}),
		EngineEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_events_total",
			Help:      "Events seen by the reconciliation engine by result.",
		}, []string{"view", "result"}),
		ViewSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconcile_view_rows",
			Help:      "Rows in a merged view.",
		}, []string{"view"}),
	}
}

func (m *Metrics) ObserveRequest(outcome string) {
	if m == nil {
		return
	}
	m.GatewayRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveReplay() {
	if m == nil {
		return
	}
	m.GatewayReplays.Inc()
}

func (m *Metrics) ObserveRefresh(result string, waiters int) {
	if m == nil {
		return
	}
	m.Refreshes.WithLabelValues(result).Inc()
	m.RefreshWaiters.Observe(float64(waiters))
}

func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.StreamConnections.Inc()
}

func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.StreamConnections.Dec()
}

func (m *Metrics) ObserveFrame(topic, kind string) {
	if m == nil {
		return
	}
	m.StreamFrames.WithLabelValues(topic, kind).Inc()
}

func (m *Metrics) ObserveEngineEvent(view, result string, rows int) {
	if m == nil {
		return
	}
	m.EngineEvents.WithLabelValues(view, result).Inc()
	m.ViewSize.WithLabelValues(view).Set(float64(rows))
}

// MetricsHandler exposes g in the Prometheus text format. A nil g serves
// the process-wide default gatherer.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
