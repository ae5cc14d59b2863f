// Package metrics provides Prometheus metrics instrumentation for the
// database-access layer.
//
// It exposes operational metrics about the pipeline's store interactions:
// the duration of job resolution, feature assembly queries and forecast
// writes, the size of written batches, and error tracking by component.
//
// Metrics exposed:
//   - gridcast_resolve_seconds: Histogram of job resolution duration
//   - gridcast_query_seconds: Histogram of time-series range query duration
//   - gridcast_write_seconds: Histogram of forecast write duration
//   - gridcast_written_points_total: Counter of forecast points written
//   - gridcast_snapshot_hits_total: Counter of snapshot cache hits and misses
//   - gridcast_errors_total: Counter of errors by component and reason
//
// All metrics include the job label for multi-job deployments.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for one prediction job.
type Metrics struct {
	ResolveSeconds      prometheus.Histogram
	QuerySeconds        prometheus.Histogram
	WriteSeconds        prometheus.Histogram
	WrittenPointsTotal  prometheus.Counter
	SnapshotLookupTotal *prometheus.CounterVec
	ErrorsTotal         *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics for a prediction job.
func New(jobID int) *Metrics {
	job := strconv.Itoa(jobID)
	return &Metrics{
		ResolveSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name: "gridcast_resolve_seconds",
			Help: "Time spent resolving the prediction job from the metadata store",
			ConstLabels: prometheus.Labels{
				"job": job,
			},
			Buckets: prometheus.DefBuckets,
		}),

		QuerySeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name: "gridcast_query_seconds",
			Help: "Time spent querying time-series signals for feature assembly",
			ConstLabels: prometheus.Labels{
				"job": job,
			},
			Buckets: prometheus.DefBuckets,
		}),

		WriteSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name: "gridcast_write_seconds",
			Help: "Time spent writing forecast output to the time-series store",
			ConstLabels: prometheus.Labels{
				"job": job,
			},
			Buckets: prometheus.DefBuckets,
		}),

		WrittenPointsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gridcast_written_points_total",
			Help: "Total number of forecast points written",
			ConstLabels: prometheus.Labels{
				"job": job,
			},
		}),

		SnapshotLookupTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gridcast_snapshot_lookups_total",
			Help: "Snapshot cache lookups by result (hit or miss)",
			ConstLabels: prometheus.Labels{
				"job": job,
			},
		}, []string{"result"}),

		ErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gridcast_errors_total",
			Help: "Total number of errors by component and reason",
			ConstLabels: prometheus.Labels{
				"job": job,
			},
		}, []string{"component", "reason"}),
	}
}

// RecordResolve records the time spent resolving the job.
func (m *Metrics) RecordResolve(seconds float64) {
	m.ResolveSeconds.Observe(seconds)
}

// RecordQuery records the time spent querying signals.
func (m *Metrics) RecordQuery(seconds float64) {
	m.QuerySeconds.Observe(seconds)
}

// RecordWrite records the time spent writing forecast output.
func (m *Metrics) RecordWrite(seconds float64) {
	m.WriteSeconds.Observe(seconds)
}

// AddWrittenPoints counts forecast points acknowledged by the store.
func (m *Metrics) AddWrittenPoints(n int) {
	m.WrittenPointsTotal.Add(float64(n))
}

// RecordSnapshotLookup counts a snapshot cache lookup result.
func (m *Metrics) RecordSnapshotLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.SnapshotLookupTotal.WithLabelValues(result).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, reason string) {
	m.ErrorsTotal.WithLabelValues(component, reason).Inc()
}
