// Package metrics holds the prometheus collectors shared by the storage
// clients and the data layer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "threadstore"

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	objectOps     *prometheus.CounterVec   // backend, operation, outcome
	objectLatency *prometheus.HistogramVec // backend, operation
	threadDeletes *prometheus.CounterVec   // stage, outcome
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		objectOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "operations_total",
			Help:      "Object storage operations by backend, operation and outcome",
		}, []string{"backend", "operation", "outcome"}),

		objectLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "operation_duration_seconds",
			Help:      "Object storage operation duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"backend", "operation"}),

		threadDeletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "datalayer",
			Name:      "thread_deletes_total",
			Help:      "Thread deletions by stage (records, checkpoints) and outcome",
		}, []string{"stage", "outcome"}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{m.objectOps, m.objectLatency, m.threadDeletes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveObjectOp records one object storage call.
func (m *Metrics) ObserveObjectOp(backend, operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.objectOps.WithLabelValues(backend, operation, outcome).Inc()
	m.objectLatency.WithLabelValues(backend, operation).Observe(elapsed.Seconds())
}

// ThreadDelete records the outcome of one stage of a thread deletion.
func (m *Metrics) ThreadDelete(stage string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.threadDeletes.WithLabelValues(stage, outcome).Inc()
}
