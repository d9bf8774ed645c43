package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts block movement through one replica's pipeline hop. A
// replica that both sends and receives shares one instance between its
// Sender and Receiver so the collectors register once.
type Metrics struct {
	// Blocks carries a "direction" = {out, in} and a "status" = {ok, error}
	// label.
	Blocks *prometheus.CounterVec

	// Bytes carries a "direction" = {out, in} label and counts payload
	// bytes of successfully handled blocks.
	Bytes *prometheus.CounterVec

	// InFlight is the depth of the leader's forwarding window.
	InFlight prometheus.Gauge
}

// NewMetrics initialises the prometheus metrics for the pipeline.
func NewMetrics() *Metrics {
	const (
		namespace = "hajournal"
		subsystem = "pipeline"
	)

	return &Metrics{
		Blocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "blocks_total",
			Help:      "Count of write cache blocks moved through this replica.",
		}, []string{"direction", "status"}),

		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_total",
			Help:      "Payload bytes moved through this replica.",
		}, []string{"direction"}),

		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "in_flight",
			Help:      "Blocks waiting in the leader's forwarding window.",
		}),
	}
}

// PrometheusCollectors satisfies the prom.PrometheusCollector interface.
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Blocks,
		m.Bytes,
		m.InFlight,
	}
}
