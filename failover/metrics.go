package failover

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "hajournal"
	subsystem = "failover"
)

type failoverMetrics struct {
	// Reads counts served reads by where the answer came from.
	Reads *prometheus.CounterVec

	// Failovers counts reads retried away from a failed replica.
	Failovers prometheus.Counter

	// Exhausted counts reads that ran out of candidates.
	Exhausted prometheus.Counter
}

func newFailoverMetrics() *failoverMetrics {
	return &failoverMetrics{
		Reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reads_total",
			Help:      "Reads served, by answering source.",
		}, []string{"source"}),
		Failovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "failovers_total",
			Help:      "Reads retried against another replica after a failure.",
		}),
		Exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reads_exhausted_total",
			Help:      "Reads that failed on every candidate replica.",
		}),
	}
}

// PrometheusCollectors returns the metrics of the router.
func (m *failoverMetrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{m.Reads, m.Failovers, m.Exhausted}
}
