package auth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the authenticator's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	verifications *prometheus.CounterVec
	keyFetches    *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dairylab",
			Subsystem: "auth",
			Name:      "verifications_total",
			Help:      "Bearer token verifications by result",
		}, []string{"result"}),
		keyFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dairylab",
			Subsystem: "auth",
			Name:      "jwks_fetches_total",
			Help:      "Signing key fetches from the identity provider by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) verification(result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(result).Inc()
}

func (m *Metrics) keyFetch(result string) {
	if m == nil {
		return
	}
	m.keyFetches.WithLabelValues(result).Inc()
}
