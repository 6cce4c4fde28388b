package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the custody service collectors.
type Metrics struct {
	Signatures    *prometheus.CounterVec
	SignLatency   prometheus.Histogram
	VaultOps      *prometheus.CounterVec
	KeyEvents     *prometheus.CounterVec
	EventFailures prometheus.Counter
}

func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

func NewWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Signatures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "certify_custody_signatures_total",
			Help: "Signing requests handled by custody, labeled by algorithm and result",
		}, []string{"algorithm", "result"}),
		SignLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "certify_custody_sign_latency_seconds",
			Help:    "Time spent producing a signature",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
		VaultOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "certify_custody_vault_operations_total",
			Help: "Blinding vault operations, labeled by operation and result",
		}, []string{"operation", "result"}),
		KeyEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "certify_custody_key_events_total",
			Help: "Key lifecycle events, labeled by event type",
		}, []string{"type"}),
		EventFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "certify_custody_key_event_publish_failures_total",
			Help: "Key lifecycle events that could not be published",
		}),
	}
}

func (m *Metrics) IncSignature(algorithm, result string) {
	m.Signatures.WithLabelValues(algorithm, result).Inc()
}

func (m *Metrics) ObserveSignLatency(seconds float64) {
	m.SignLatency.Observe(seconds)
}

func (m *Metrics) IncVaultOp(operation, result string) {
	m.VaultOps.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) IncKeyEvent(eventType string) {
	m.KeyEvents.WithLabelValues(eventType).Inc()
}
