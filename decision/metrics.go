package decision

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics mirrors the teacher's internal/metrics.Collector shape (a struct
// of promauto-registered vectors built once per process) scoped to the
// Decision Loop's own counters from SPEC_FULL.md §4.5.
type metrics struct {
	stepsTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	sharedMetrics *metrics
)

func getMetrics() *metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &metrics{
			stepsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "forge",
					Subsystem: "agent",
					Name:      "steps_total",
					Help:      "Total Decision Loop steps by terminal status.",
				},
				[]string{"status"},
			),
		}
	})
	return sharedMetrics
}

func recordStep(status string) {
	getMetrics().stepsTotal.WithLabelValues(status).Inc()
}
