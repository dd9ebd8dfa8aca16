// Package metrics holds the Prometheus collectors for phaseline.
//
// Metrics:
//   - phaseline_version_transitions_total{to}
//   - phaseline_batch_items_total{outcome}
//   - phaseline_batch_jobs_total{state}
//   - phaseline_batch_jobs_running
//   - phaseline_provider_duration_seconds{outcome}
//   - phaseline_notifications_total{outcome}
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	defaultMetrics *Metrics
	defaultOnce    sync.Once
)

type Metrics struct {
	VersionTransitions *prometheus.CounterVec
	BatchItems         *prometheus.CounterVec
	BatchJobs          *prometheus.CounterVec
	BatchJobsRunning   prometheus.Gauge
	ProviderDuration   *prometheus.HistogramVec
	Notifications      *prometheus.CounterVec
}

// Default returns metrics registered once on the default Prometheus registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// New registers a fresh set of collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		VersionTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "phaseline_version_transitions_total",
			Help: "Version status transitions by target status.",
		}, []string{"to"}),
		BatchItems: f.NewCounterVec(prometheus.CounterOpts{
			Name: "phaseline_batch_items_total",
			Help: "Batch job items processed by outcome.",
		}, []string{"outcome"}),
		BatchJobs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "phaseline_batch_jobs_total",
			Help: "Batch jobs that stopped, by final state.",
		}, []string{"state"}),
		BatchJobsRunning: f.NewGauge(prometheus.GaugeOpts{
			Name: "phaseline_batch_jobs_running",
			Help: "Batch jobs currently held by a worker.",
		}),
		ProviderDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "phaseline_provider_duration_seconds",
			Help:    "Recommendation provider call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "phaseline_notifications_total",
			Help: "Notifications by delivery outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) VersionTransition(to string) {
	if m == nil {
		return
	}
	m.VersionTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) BatchItem(outcome string) {
	if m == nil {
		return
	}
	m.BatchItems.WithLabelValues(outcome).Inc()
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.BatchJobsRunning.Inc()
}

func (m *Metrics) JobStopped(state string) {
	if m == nil {
		return
	}
	m.BatchJobsRunning.Dec()
	m.BatchJobs.WithLabelValues(state).Inc()
}

func (m *Metrics) ProviderCall(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProviderDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) Notification(outcome string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(outcome).Inc()
}
