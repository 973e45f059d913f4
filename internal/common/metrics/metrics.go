// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_executions_total",
			Help: "Total number of workflow executions by outcome",
		},
		[]string{"workflow", "outcome"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_execution_duration_seconds",
			Help:    "Duration of workflow executions in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"workflow"},
	)

	ExecutionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_executions_active",
			Help: "Number of pipelines currently executing",
		},
	)

	StepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_steps_total",
			Help: "Total number of step runs by outcome",
		},
		[]string{"step", "outcome"},
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "orchestrator_step_duration_seconds",
			Help: "Duration of step runs in seconds, retries included",
		},
		[]string{"step"},
	)

	StepRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_step_retries_total",
			Help: "Total number of step retry attempts",
		},
		[]string{"step"},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_cache_lookups_total",
			Help: "Cache lookups by result (hit, miss, shared)",
		},
		[]string{"result"},
	)

	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_cache_evictions_total",
			Help: "Cache entries removed by reason (lru, expired, invalidated)",
		},
		[]string{"reason"},
	)

	CacheBackendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_cache_backend_errors_total",
			Help: "Cache backend failures treated as misses",
		},
		[]string{"backend", "op"},
	)

	RetrievalTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_retrieval_total",
			Help: "Retrieval calls by outcome (ok, empty, degraded)",
		},
		[]string{"outcome"},
	)

	VectorStoreOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_vector_store_operations_total",
			Help: "Vector store operations by provider, operation and status",
		},
		[]string{"provider", "op", "status"},
	)
)

// Status maps an error to the label value used by the counters above.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
