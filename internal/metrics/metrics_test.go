package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.JobFinished("completed", 2*time.Second)
	m.JobFinished("cancelled", time.Second)
	m.JobFinished("completed", time.Second)
	m.PageProcessed()
	m.PageProcessed()
	m.PageFailed()
	m.FileSkipped("load")
	m.ArchiveFinalized(1024)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.jobs.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobs.WithLabelValues("cancelled")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.pages))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pageErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.filesSkipped.WithLabelValues("load")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.JobFinished("failed", time.Second)
		m.PageProcessed()
		m.PageFailed()
		m.FileSkipped("serialize")
		m.ArchiveFinalized(1)
	})
}
