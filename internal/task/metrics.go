package task

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	ticks        prometheus.Counter
	dispatched   *prometheus.CounterVec
	finished     *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	inflight     prometheus.Gauge
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		ticks: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "erpimport",
			Name:      "scheduler_ticks_total",
			Help:      "Total number of scheduler ticks that ran.",
		}),
		dispatched: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "erpimport",
			Name:      "tasks_dispatched_total",
			Help:      "Total number of tasks claimed and handed to a worker.",
		}, []string{"import_type"}),
		finished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "erpimport",
			Name:      "tasks_finished_total",
			Help:      "Total number of task executions finalized, by result.",
		}, []string{"import_type", "result"}),
		taskDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "erpimport",
			Name:      "task_duration_seconds",
			Help:      "Wall time of one item execution, from claim to finalization.",
			Buckets: []float64{
				0.1, 0.5, 1, 5, 15, 30,
				60, 300, 900, 1800, 3600,
			},
		}, []string{"import_type"}),
		inflight: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "erpimport",
			Name:      "tasks_inflight",
			Help:      "Current number of tasks executing in this process.",
		}),
	}
})

func getMetrics() *metrics {
	return metricsSingleton()
}
