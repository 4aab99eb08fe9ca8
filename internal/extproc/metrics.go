package extproc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway's processing stream
type Metrics struct {
	ActiveSessions prometheus.Gauge
	Requests       *prometheus.CounterVec
	BodyBytes      prometheus.Counter
	CacheOps       *prometheus.CounterVec
	ScanSessions   *prometheus.CounterVec
	SessionSeconds prometheus.Histogram
}

// NewMetrics creates and registers all gateway metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_active_sessions",
				Help: "Processing streams currently open",
			},
		),

		Requests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Requests seen by HTTP method and notable-domain type",
			},
			[]string{"method", "notable_type"},
		),

		BodyBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_body_bytes_total",
				Help: "Body bytes forwarded through the gateway",
			},
		),

		CacheOps: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_ops_total",
				Help: "Clean-URL cache operations",
			},
			[]string{"op"}, // op: hit, miss, store
		),

		ScanSessions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_scan_sessions_total",
				Help: "Scan sessions by terminal outcome",
			},
			[]string{"outcome"}, // outcome: clean, infected, error, bypassed
		),

		SessionSeconds: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gateway_session_duration_seconds",
				Help:    "Lifetime of one processing stream",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
		),
	}
}
