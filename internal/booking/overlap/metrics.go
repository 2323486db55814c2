package overlap

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	checkDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "overlap_check_duration_seconds",
		Help:    "Time spent evaluating overlap engine operations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	checksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "overlap_checks_total",
		Help: "Overlap engine operations grouped by outcome.",
	}, []string{"operation", "result"})

	conflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_conflicts_total",
		Help: "Conflicting bookings detected during validation, by shared resource.",
	}, []string{"kind"})
)
