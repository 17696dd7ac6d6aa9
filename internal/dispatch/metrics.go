package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// dispatchesTotal counts completed dispatches by coordinator,
	// executor, and terminal status.
	dispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatchd",
			Subsystem: "dispatch",
			Name:      "dispatches_total",
			Help:      "Total number of executor dispatches by terminal status",
		},
		[]string{"coordinator", "executor", "status"},
	)

	// inFlightGauge tracks items currently executing per executor.
	inFlightGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dispatchd",
			Subsystem: "dispatch",
			Name:      "in_flight",
			Help:      "Number of work items currently in flight per executor",
		},
		[]string{"executor"},
	)
)
