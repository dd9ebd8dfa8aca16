package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"phaseline/internal/metrics"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.BatchItem("succeeded")
	m.BatchItem("succeeded")
	m.BatchItem("failed")
	m.JobStarted()
	m.JobStopped("completed")
	m.VersionTransition("approved")
	m.ProviderCall("ok", 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.BatchItems.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchItems.WithLabelValues("failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BatchJobsRunning))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchJobs.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.VersionTransitions.WithLabelValues("approved")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.BatchItem("failed")
		m.JobStarted()
		m.JobStopped("failed")
		m.Notification("dropped")
	})
}
