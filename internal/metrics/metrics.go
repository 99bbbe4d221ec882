// Package metrics exposes Prometheus collectors for the orchestration engine.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	adapterCallsTotal     *prometheus.CounterVec
	circuitState          *prometheus.GaugeVec
	circuitTransitions    *prometheus.CounterVec
	rateLimitWaitSeconds  *prometheus.HistogramVec
	bulkheadOccupancy     *prometheus.GaugeVec
	quarantinesTotal      *prometheus.CounterVec
	jobsTotal             *prometheus.CounterVec
	jobsRunning           prometheus.Gauge
	healthScore           *prometheus.GaugeVec
	adapterLatencySeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		adapterCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_adapter_calls_total",
				Help: "Total adapter calls, labeled by adapter and outcome.",
			},
			[]string{"adapter", "outcome"},
		)

		circuitState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "engine_circuit_state",
				Help: "Circuit breaker state per adapter (0=closed, 1=half-open, 2=open).",
			},
			[]string{"adapter"},
		)

		circuitTransitions = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_circuit_transitions_total",
				Help: "Circuit breaker transitions, labeled by adapter and edge.",
			},
			[]string{"adapter", "from", "to"},
		)

		rateLimitWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engine_rate_limit_wait_seconds",
				Help:    "Histogram of governor acquire wait durations.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"adapter"},
		)

		bulkheadOccupancy = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "engine_bulkhead_occupancy",
				Help: "Concurrently executing operations per adapter bulkhead.",
			},
			[]string{"adapter"},
		)

		quarantinesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_quarantines_total",
				Help: "Total quarantine activations per adapter.",
			},
			[]string{"adapter"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_jobs_total",
				Help: "Total jobs reaching a terminal status.",
			},
			[]string{"type", "status"},
		)

		jobsRunning = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "engine_jobs_running",
				Help: "Number of jobs currently executing.",
			},
		)

		healthScore = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "engine_health_score",
				Help: "Latest computed health score per adapter (0-100).",
			},
			[]string{"adapter"},
		)

		adapterLatencySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engine_adapter_latency_seconds",
				Help:    "Histogram of adapter call latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"adapter"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAdapterCall records one completed adapter call.
func ObserveAdapterCall(adapter string, success bool, latency time.Duration) {
	Init()
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	adapterCallsTotal.WithLabelValues(adapter, outcome).Inc()
	adapterLatencySeconds.WithLabelValues(adapter).Observe(latency.Seconds())
}

// SetCircuitState records the current breaker state for an adapter.
func SetCircuitState(adapter string, state float64) {
	Init()
	circuitState.WithLabelValues(adapter).Set(state)
}

// ObserveCircuitTransition counts one breaker edge.
func ObserveCircuitTransition(adapter, from, to string) {
	Init()
	circuitTransitions.WithLabelValues(adapter, from, to).Inc()
}

// ObserveRateLimitWait records the duration of a governor acquire wait.
func ObserveRateLimitWait(adapter string, wait time.Duration) {
	Init()
	rateLimitWaitSeconds.WithLabelValues(adapter).Observe(wait.Seconds())
}

// SetBulkheadOccupancy records current bulkhead occupancy for an adapter.
func SetBulkheadOccupancy(adapter string, n int) {
	Init()
	bulkheadOccupancy.WithLabelValues(adapter).Set(float64(n))
}

// ObserveQuarantine counts one quarantine activation.
func ObserveQuarantine(adapter string) {
	Init()
	quarantinesTotal.WithLabelValues(adapter).Inc()
}

// ObserveJob increments the terminal job counter for one type and status.
func ObserveJob(jobType, status string) {
	Init()
	jobsTotal.WithLabelValues(jobType, status).Inc()
}

// IncJobsRunning increments the running jobs gauge.
func IncJobsRunning() {
	Init()
	jobsRunning.Inc()
}

// DecJobsRunning decrements the running jobs gauge.
func DecJobsRunning() {
	Init()
	jobsRunning.Dec()
}

// SetHealthScore records the latest health score for an adapter.
func SetHealthScore(adapter string, score float64) {
	Init()
	healthScore.WithLabelValues(adapter).Set(score)
}
