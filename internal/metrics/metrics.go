// Package metrics exposes Prometheus instrumentation for the watermark worker.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "watermarker"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	jobs         *prometheus.CounterVec
	jobDuration  prometheus.Histogram
	pages        prometheus.Counter
	pageErrors   prometheus.Counter
	filesSkipped *prometheus.CounterVec
	archiveBytes prometheus.Histogram
}

// New registers the worker collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		jobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Batch jobs by terminal outcome.",
		}, []string{"outcome"}),
		jobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time from start command to terminal event.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		pages: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_processed_total",
			Help:      "Pages visited by the pipeline, watermarked or not.",
		}),
		pageErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "page_errors_total",
			Help:      "Pages left unwatermarked because drawing failed.",
		}),
		filesSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_skipped_total",
			Help:      "Input files excluded from the output archive.",
		}, []string{"reason"}),
		archiveBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "archive_bytes",
			Help:      "Size of finalized result archives.",
			Buckets:   prometheus.ExponentialBuckets(16<<10, 4, 10),
		}),
	}
}

func (m *Metrics) JobFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(outcome).Inc()
	m.jobDuration.Observe(d.Seconds())
}

func (m *Metrics) PageProcessed() {
	if m == nil {
		return
	}
	m.pages.Inc()
}

func (m *Metrics) PageFailed() {
	if m == nil {
		return
	}
	m.pageErrors.Inc()
}

func (m *Metrics) FileSkipped(reason string) {
	if m == nil {
		return
	}
	m.filesSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) ArchiveFinalized(size int) {
	if m == nil {
		return
	}
	m.archiveBytes.Observe(float64(size))
}
