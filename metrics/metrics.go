// Package metrics exposes Prometheus instruments for digest runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "trippy"

// Metrics holds the digest pipeline instruments.
type Metrics struct {
	Runs          *prometheus.CounterVec
	RunDuration   prometheus.Histogram
	PostsFound    prometheus.Gauge
	EmailsSent    prometheus.Counter
	EmailFailures *prometheus.CounterVec
	EmailsSkipped prometheus.Counter
}

// New registers the digest instruments with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "digest",
				Name:      "runs_total",
				Help:      "Digest runs by outcome",
			},
			[]string{"outcome"}, // completed, partial, failed, locked
		),
		RunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "digest",
				Name:      "run_duration_seconds",
				Help:      "Wall-clock duration of digest runs",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		),
		PostsFound: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "digest",
				Name:      "posts_found",
				Help:      "Posts found in the lookback window by the last run",
			},
		),
		EmailsSent: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "digest",
				Name:      "emails_sent_total",
				Help:      "Digest emails accepted by the transport",
			},
		),
		EmailFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "digest",
				Name:      "email_failures_total",
				Help:      "Digest emails that failed, by stage",
			},
			[]string{"stage"},
		),
		EmailsSkipped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "digest",
				Name:      "emails_skipped_total",
				Help:      "Recipients skipped because they had already seen every post",
			},
		),
	}
}

// ObserveRun records the outcome and duration of a run.
func (m *Metrics) ObserveRun(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(outcome).Inc()
	m.RunDuration.Observe(duration.Seconds())
}

// SetPostsFound records the number of posts collected by a run.
func (m *Metrics) SetPostsFound(n int) {
	if m == nil {
		return
	}
	m.PostsFound.Set(float64(n))
}

// EmailSent counts a delivered digest.
func (m *Metrics) EmailSent() {
	if m == nil {
		return
	}
	m.EmailsSent.Inc()
}

// EmailFailed counts a digest that failed at stage.
func (m *Metrics) EmailFailed(stage string) {
	if m == nil {
		return
	}
	m.EmailFailures.WithLabelValues(stage).Inc()
}

// EmailSkipped counts a recipient with nothing unseen.
func (m *Metrics) EmailSkipped() {
	if m == nil {
		return
	}
	m.EmailsSkipped.Inc()
}
