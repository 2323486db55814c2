package lock

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "resource_lock_attempts_total",
	Help: "Resource lock acquisition attempts grouped by outcome.",
}, []string{"result"})
