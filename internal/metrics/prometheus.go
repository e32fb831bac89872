package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "node_selector"

// Instruments are the Prometheus series fed by the Collector.
type Instruments struct {
	HealthChecks        *prometheus.CounterVec
	HealthCheckDuration *prometheus.HistogramVec
	BlockDifference     *prometheus.GaugeVec
	Requests            *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	Selections          *prometheus.CounterVec
}

// NewInstruments creates and registers all selector metrics on reg.
func NewInstruments(reg prometheus.Registerer) *Instruments {
	m := &Instruments{
		HealthChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_checks_total",
				Help:      "Health check probes by node and result",
			},
			[]string{"endpoint", "result"},
		),

		HealthCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "health_check_duration_seconds",
				Help:      "Time spent on one health check probe",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),

		BlockDifference: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "block_difference",
				Help:      "Indexing lag reported by the node's last successful probe",
			},
			[]string{"endpoint"},
		),

		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Requests routed to a selected node",
			},
			[]string{"endpoint", "code"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Latency of requests routed to a selected node",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),

		Selections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "selections_total",
				Help:      "Select outcomes by the stage that decided them",
			},
			[]string{"stage"},
		),
	}

	reg.MustRegister(
		m.HealthChecks,
		m.HealthCheckDuration,
		m.BlockDifference,
		m.Requests,
		m.RequestDuration,
		m.Selections,
	)

	return m
}
