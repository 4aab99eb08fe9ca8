package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the scan worker pool
type Metrics struct {
	// Turnaround metrics
	WaitTAT    *prometheus.HistogramVec
	ProcessTAT *prometheus.HistogramVec
	TotalTAT   *prometheus.HistogramVec

	// Scan outcome metrics
	ScansTotal   *prometheus.CounterVec
	BytesScanned *prometheus.CounterVec

	// Size-class metrics
	ScanDurationBySize *prometheus.HistogramVec

	// Pool health metrics
	BusyWorkers    prometheus.Gauge
	MalformedJobs  prometheus.Counter
	MemoryDeferred prometheus.Counter
}

// tatBuckets spans sub-second small-file scans up to multi-minute
// large-object streams.
var tatBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// NewMetrics creates and registers all worker metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		WaitTAT: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scan_wait_tat_seconds",
				Help:    "Time a job waited on its queue before pickup",
				Buckets: tatBuckets,
			},
			[]string{"priority"},
		),

		ProcessTAT: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scan_process_tat_seconds",
				Help:    "Time spent streaming a job through the engine",
				Buckets: tatBuckets,
			},
			[]string{"priority"},
		),

		TotalTAT: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scan_total_tat_seconds",
				Help:    "End-to-end turnaround from enqueue to verdict",
				Buckets: tatBuckets,
			},
			[]string{"priority"},
		),

		ScansTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "scan_results_total",
				Help: "Scan verdicts by priority and outcome",
			},
			[]string{"priority", "result"}, // result: clean, infected, error
		),

		BytesScanned: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "scan_bytes_total",
				Help: "Total bytes streamed through the engine",
			},
			[]string{"size_class"},
		),

		ScanDurationBySize: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scan_duration_by_size_seconds",
				Help:    "Engine scan duration grouped by payload size class",
				Buckets: tatBuckets,
			},
			[]string{"size_class"},
		),

		BusyWorkers: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "scan_busy_workers",
				Help: "Workers currently streaming a job",
			},
		),

		MalformedJobs: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "scan_malformed_jobs_total",
				Help: "Queue payloads dropped because they did not decode",
			},
		),

		MemoryDeferred: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "scan_memory_deferred_total",
				Help: "Jobs requeued because free memory was below the floor",
			},
		),
	}
}

// RecordScan records one completed scan's timings and outcome.
func (m *Metrics) RecordScan(priority, result, sizeClass string, waitSec, procSec, totalSec float64, bytes int64) {
	m.WaitTAT.WithLabelValues(priority).Observe(waitSec)
	m.ProcessTAT.WithLabelValues(priority).Observe(procSec)
	m.TotalTAT.WithLabelValues(priority).Observe(totalSec)
	m.ScansTotal.WithLabelValues(priority, result).Inc()
	m.BytesScanned.WithLabelValues(sizeClass).Add(float64(bytes))
	m.ScanDurationBySize.WithLabelValues(sizeClass).Observe(procSec)
}

// SizeClass buckets a byte count into the operator-facing size label.
func SizeClass(bytes int64) string {
	switch {
	case bytes < 1<<10:
		return "tiny_lt1k"
	case bytes < 100*(1<<10):
		return "small_1k_100k"
	case bytes < 1<<20:
		return "medium_100k_1m"
	case bytes < 100*(1<<20):
		return "large_1m_100m"
	case bytes < 1<<30:
		return "xlarge_100m_1g"
	case bytes < 10*(1<<30):
		return "huge_1g_10g"
	default:
		return "massive_gt10g"
	}
}
