package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for credential issuance and verification.
type Metrics struct {
	CredentialsIssued   *prometheus.CounterVec
	IssuanceFailures    *prometheus.CounterVec
	CredentialsRevoked  *prometheus.CounterVec
	Verifications       *prometheus.CounterVec
	Presentations       *prometheus.CounterVec
	IssuanceLatency     prometheus.Histogram
	VerificationLatency prometheus.Histogram
	ProofLatency        *prometheus.HistogramVec
}

// New registers credential collectors with the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers credential collectors with reg.
func NewWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CredentialsIssued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "certify_credentials_issued_total",
			Help: "Total number of credentials issued, labeled by type",
		}, []string{"type"}),
		IssuanceFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "certify_issuance_failures_total",
			Help: "Total number of failed issuances, labeled by failure kind",
		}, []string{"kind"}),
		CredentialsRevoked: f.NewCounterVec(prometheus.CounterOpts{
			Name: "certify_credentials_revoked_total",
			Help: "Total number of credentials revoked, labeled by type",
		}, []string{"type"}),
		Verifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "certify_verifications_total",
			Help: "Total number of verification attempts, labeled by outcome status",
		}, []string{"status"}),
		Presentations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "certify_presentations_total",
			Help: "Total number of holder presentations built, labeled by result",
		}, []string{"result"}),
		IssuanceLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "certify_issuance_latency_seconds",
			Help:    "End-to-end latency of credential issuance in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		VerificationLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "certify_verification_latency_seconds",
			Help:    "Latency of credential verification in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		ProofLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "certify_proof_latency_seconds",
			Help:    "Latency of disclosure proof operations in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"operation"}),
	}
}

func (m *Metrics) IncrementIssued(credentialType string) {
	m.CredentialsIssued.WithLabelValues(credentialType).Inc()
}

func (m *Metrics) IncrementIssuanceFailure(kind string) {
	m.IssuanceFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncrementRevoked(credentialType string) {
	m.CredentialsRevoked.WithLabelValues(credentialType).Inc()
}

func (m *Metrics) IncrementVerification(status string) {
	m.Verifications.WithLabelValues(status).Inc()
}

func (m *Metrics) IncrementPresentation(result string) {
	m.Presentations.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveIssuanceLatency(seconds float64) {
	m.IssuanceLatency.Observe(seconds)
}

func (m *Metrics) ObserveVerificationLatency(seconds float64) {
	m.VerificationLatency.Observe(seconds)
}

func (m *Metrics) ObserveProofLatency(operation string, seconds float64) {
	m.ProofLatency.WithLabelValues(operation).Observe(seconds)
}
