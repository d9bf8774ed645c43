package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// commitMetrics tracks commit round outcomes on the leader.
type commitMetrics struct {
	// Rounds carries an "outcome" = {committed, aborted, quorum_not_met}
	// label.
	Rounds *prometheus.CounterVec

	RoundDuration prometheus.Histogram
	CommitCounter prometheus.Gauge
}

// newCommitMetrics initialises the prometheus metrics for commit rounds.
func newCommitMetrics() *commitMetrics {
	const (
		namespace = "hajournal"
		subsystem = "coordinator"
	)

	return &commitMetrics{
		Rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rounds_total",
			Help:      "Count of concluded commit rounds.",
		}, []string{"outcome"}),

		RoundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "round_duration_seconds",
			Help:      "Wall time of a full commit round.",
			Buckets:   prometheus.ExponentialBuckets(1e-3, 4, 10),
		}),

		CommitCounter: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "commit_counter",
			Help:      "Commit counter of the newest committed root block.",
		}),
	}
}

// PrometheusCollectors satisfies the prom.PrometheusCollector interface.
func (m *commitMetrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Rounds,
		m.RoundDuration,
		m.CommitCounter,
	}
}
