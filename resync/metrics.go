package resync

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "hajournal"
	subsystem = "resync"
)

type resyncMetrics struct {
	// Segments counts replayed commits by where the segment came from.
	Segments *prometheus.CounterVec

	// Lag is how many commits the local journal is behind the quorum.
	Lag prometheus.Gauge

	// Rebuilds counts the times incremental catch-up gave up for good.
	Rebuilds prometheus.Counter
}

func newResyncMetrics() *resyncMetrics {
	return &resyncMetrics{
		Segments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "segments_replayed_total",
			Help:      "Commits replayed during catch-up, by segment source.",
		}, []string{"source"}),
		Lag: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "lag_commits",
			Help:      "Commits between the local journal and the quorum commit point.",
		}),
		Rebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "full_rebuilds_signaled_total",
			Help:      "Times catch-up found history it can never replay.",
		}),
	}
}

// PrometheusCollectors returns the metrics of the resyncer.
func (m *resyncMetrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{m.Segments, m.Lag, m.Rebuilds}
}
