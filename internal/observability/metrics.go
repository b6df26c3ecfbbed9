package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the sync core.
type Metrics struct {
	SnapshotsApplied  *prometheus.CounterVec
	SnapshotsRejected *prometheus.CounterVec
	PushReconnects    prometheus.Counter
	AdvanceFailures   prometheus.Counter
	AutomationPaused  prometheus.Gauge
	PushConnected     prometheus.Gauge
}

// NewMetrics registers the instruments with reg (the default registry
// when reg is nil).
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		SnapshotsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_applied_total",
			Help:      "Accepted snapshots by source (push or poll).",
		}, []string{"source"}),
		SnapshotsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_rejected_total",
			Help:      "Rejected candidate snapshots by reason.",
		}, []string{"reason"}),
		PushReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_reconnects_total",
			Help:      "Reconnect attempts scheduled after abnormal closes.",
		}),
		AdvanceFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "advance_failures_total",
			Help:      "Failed self-advance or manual advance requests.",
		}),
		AutomationPaused: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "automation_paused",
			Help:      "1 when the self-advance loop hit its failure ceiling.",
		}),
		PushConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "push_connected",
			Help:      "1 while the push channel is connected.",
		}),
	}
}

// MetricsHandler returns the HTTP handler for the /metrics endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
