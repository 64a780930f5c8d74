package importing

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	chunksTotal   *prometheus.CounterVec
	chunkDuration prometheus.Histogram
	batchInflight prometheus.Gauge
	importErrors  *prometheus.CounterVec
	retries       *prometheus.CounterVec
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		chunksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "erpimport",
			Name:      "batch_chunks_total",
			Help:      "Total number of batch chunks executed, by result.",
		}, []string{"result"}),
		chunkDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "erpimport",
			Name:      "batch_chunk_duration_seconds",
			Help:      "Latency distribution for a single batch chunk.",
			Buckets: []float64{
				0.01, 0.05, 0.1, 0.25, 0.5,
				1, 2.5, 5, 10, 30, 60,
			},
		}),
		batchInflight: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "erpimport",
			Name:      "batch_inflight",
			Help:      "Current number of batch chunks holding a semaphore slot.",
		}),
		importErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "erpimport",
			Name:      "import_errors_total",
			Help:      "Total number of row errors recorded, by error type.",
		}, []string{"type"}),
		retries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "erpimport",
			Name:      "deadlock_retries_total",
			Help:      "Total number of retried insert-or-get attempts, by SQLSTATE.",
		}, []string{"sqlstate"}),
	}
})

func getMetrics() *metrics {
	return metricsSingleton()
}
