package sds

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts certificate issuance on the discovery surface.
type Metrics struct {
	Generated prometheus.Counter
	CacheHits prometheus.Counter
	Errors    prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Generated: f.NewCounter(prometheus.CounterOpts{
			Name: "sds_certificates_generated_total",
			Help: "Leaf certificates minted on demand.",
		}),
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "sds_certificate_cache_hits_total",
			Help: "Secret requests answered from the per-SNI cache.",
		}),
		Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "sds_certificate_errors_total",
			Help: "Failed certificate issuances.",
		}),
	}
}
