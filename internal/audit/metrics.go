package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// stageAttempts counts audit stage attempts by stage and verdict.
	stageAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatchd",
			Subsystem: "audit",
			Name:      "stage_attempts_total",
			Help:      "Total number of audit stage attempts by verdict",
		},
		[]string{"stage", "verdict"},
	)

	// stageDuration tracks how long stage attempts take.
	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatchd",
			Subsystem: "audit",
			Name:      "stage_duration_seconds",
			Help:      "Duration of audit stage attempts in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage"},
	)
)
