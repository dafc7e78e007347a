package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	statusGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "igprov_status",
			Help: "Current provisioning status code.",
		},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "igprov_transitions_total",
			Help: "Total number of published status transitions.",
		},
		[]string{"status"},
	)

	workerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "igprov_worker_duration_seconds",
			Help:    "Provisioning worker run duration in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"backend", "mode", "status"},
	)

	escrowEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "igprov_escrow_events_total",
			Help: "Escrow scheduler events.",
		},
		[]string{"event"},
	)

	droppedTransitions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "igprov_status_subscriber_drops_total",
			Help: "Transitions dropped for slow subscribers.",
		},
	)
)

func init() {
	prometheus.MustRegister(statusGauge)
	prometheus.MustRegister(transitionsTotal)
	prometheus.MustRegister(workerDuration)
	prometheus.MustRegister(escrowEvents)
	prometheus.MustRegister(droppedTransitions)
}
