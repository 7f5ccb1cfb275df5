package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the auth subsystem. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	TokenVerifications *prometheus.CounterVec
	KeyFetches         *prometheus.CounterVec
	KeyFetchDuration   prometheus.Histogram
	Logins             *prometheus.CounterVec
	SessionsCreated    prometheus.Counter
	SessionsDestroyed  prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TokenVerifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_token_verifications_total",
			Help: "Bearer token verifications by result",
		}, []string{"result"}),
		KeyFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_key_fetches_total",
			Help: "Signing key set fetches by outcome",
		}, []string{"outcome"}),
		KeyFetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gatekeeper_key_fetch_duration_seconds",
			Help:    "Latency of signing key set fetches",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		Logins: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_logins_total",
			Help: "Completed authorization-code callbacks by result",
		}, []string{"result"}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_sessions_created_total",
			Help: "Sessions created after a successful login",
		}),
		SessionsDestroyed: factory.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_sessions_destroyed_total",
			Help: "Sessions destroyed by logout",
		}),
	}
}

// ObserveVerification records one bearer token verification outcome.
func (m *Metrics) ObserveVerification(result string) {
	if m == nil {
		return
	}
	m.TokenVerifications.WithLabelValues(result).Inc()
}

// ObserveKeyFetch records one key set fetch and its latency.
func (m *Metrics) ObserveKeyFetch(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.KeyFetches.WithLabelValues(outcome).Inc()
	m.KeyFetchDuration.Observe(elapsed.Seconds())
}

// ObserveLogin records the result of a login callback.
func (m *Metrics) ObserveLogin(result string) {
	if m == nil {
		return
	}
	m.Logins.WithLabelValues(result).Inc()
}

func (m *Metrics) IncrementSessionsCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

func (m *Metrics) IncrementSessionsDestroyed() {
	if m == nil {
		return
	}
	m.SessionsDestroyed.Inc()
}
