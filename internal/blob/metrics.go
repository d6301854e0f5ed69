package blob

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsOnce ensures metrics are only initialized once.
var metricsOnce sync.Once

// metricsInstance is the singleton instance of object manager metrics.
var metricsInstance *Metrics

// Metrics holds all Prometheus metrics of the object manager.
type Metrics struct {
	// Operation metrics
	OperationsTotal   *prometheus.CounterVec   // blobit_operations_total{operation,status}
	OperationDuration *prometheus.HistogramVec // blobit_operation_duration_seconds{operation}

	// Transfer metrics
	BytesWritten prometheus.Counter // blobit_bytes_written_total
	BytesRead    prometheus.Counter // blobit_bytes_read_total

	// Segment and GC metrics
	SegmentsSealed    prometheus.Counter // blobit_segments_sealed_total
	GCRuns            prometheus.Counter // blobit_gc_runs_total
	SegmentsReclaimed prometheus.Counter // blobit_gc_segments_reclaimed_total
	BytesReclaimed    prometheus.Counter // blobit_gc_bytes_reclaimed_total
	OrphanedBytes     prometheus.Counter // blobit_orphaned_bytes
}

// InitMetrics initializes all object manager metrics.
// Metrics are only registered once; subsequent calls return the same instance.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		metricsInstance = &Metrics{
			OperationsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "blobit_operations_total",
				Help: "Total object manager operations by operation and status",
			}, []string{"operation", "status"}),

			OperationDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
				Name:    "blobit_operation_duration_seconds",
				Help:    "Object manager operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"operation"}),

			BytesWritten: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "blobit_bytes_written_total",
				Help: "Total payload bytes accepted by put",
			}),

			BytesRead: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "blobit_bytes_read_total",
				Help: "Total payload bytes returned by get",
			}),

			SegmentsSealed: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "blobit_segments_sealed_total",
				Help: "Total segments sealed",
			}),

			GCRuns: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "blobit_gc_runs_total",
				Help: "Total per-bucket garbage collection passes",
			}),

			SegmentsReclaimed: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "blobit_gc_segments_reclaimed_total",
				Help: "Total segments physically reclaimed",
			}),

			BytesReclaimed: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "blobit_gc_bytes_reclaimed_total",
				Help: "Total stored bytes of reclaimed objects",
			}),

			OrphanedBytes: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "blobit_orphaned_bytes",
				Help: "Bytes appended without a metadata record",
			}),
		}
	})
	return metricsInstance
}

// GetMetrics returns the singleton metrics instance.
// Returns nil if metrics have not been initialized.
func GetMetrics() *Metrics {
	return metricsInstance
}

// RecordOperation records an operation outcome.
func (m *Metrics) RecordOperation(operation string, err error, durationSeconds float64) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.OperationsTotal.WithLabelValues(operation, status).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordGC records the outcome of one bucket pass.
func (m *Metrics) RecordGC(stats GCStats) {
	m.GCRuns.Inc()
	m.SegmentsReclaimed.Add(float64(stats.SegmentsReclaimed))
	m.BytesReclaimed.Add(float64(stats.BytesReclaimed))
}
