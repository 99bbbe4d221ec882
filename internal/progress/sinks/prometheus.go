package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tsundoku-io/tsundoku/internal/progress"
)

// PrometheusSink exports engine lifecycle metrics via Prometheus. It owns all
// collectors for jobs started/completed/running and per-adapter probe counters.
type PrometheusSink struct {
	jobsStarted   prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobRetries    prometheus.Counter
	probes        *prometheus.CounterVec
	probeLatency  *prometheus.HistogramVec
	circuitEdges  *prometheus.CounterVec

	mu      sync.Mutex
	running map[string]struct{}
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_events_jobs_started_total",
			Help: "Total jobs that have started.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_events_jobs_completed_total",
			Help: "Total jobs completed partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_events_jobs_running",
			Help: "Current number of running jobs observed on the event stream.",
		}),
		jobRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_events_job_retries_total",
			Help: "Total job retry dispatches.",
		}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_events_probes_total",
			Help: "Total health probes partitioned by adapter and outcome.",
		}, []string{"adapter", "outcome"}),
		probeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engine_events_probe_latency_seconds",
			Help:    "Histogram of health probe latencies per adapter.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"adapter"}),
		circuitEdges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_events_circuit_changes_total",
			Help: "Total circuit state changes per adapter.",
		}, []string{"adapter", "state"}),
		running: make(map[string]struct{}),
	}
	collectors := []prometheus.Collector{
		s.jobsStarted, s.jobsCompleted, s.jobsRunning, s.jobRetries,
		s.probes, s.probeLatency, s.circuitEdges,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates collectors from the batch. It never returns an error.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageJobStart:
			s.jobsStarted.Inc()
			s.trackRunning(evt.JobID, true)
		case progress.StageJobResumed:
			s.trackRunning(evt.JobID, true)
		case progress.StageJobRetry:
			s.jobRetries.Inc()
		case progress.StageJobDone:
			s.jobsCompleted.WithLabelValues(evt.Status).Inc()
			s.trackRunning(evt.JobID, false)
		case progress.StageJobError:
			s.jobsCompleted.WithLabelValues("failed").Inc()
			s.trackRunning(evt.JobID, false)
		case progress.StageJobCancelled:
			s.jobsCompleted.WithLabelValues("cancelled").Inc()
			s.trackRunning(evt.JobID, false)
		case progress.StageJobPaused:
			s.trackRunning(evt.JobID, false)
		case progress.StageProbeDone:
			s.probes.WithLabelValues(evt.Adapter, evt.Status).Inc()
			s.probeLatency.WithLabelValues(evt.Adapter).Observe(evt.Dur.Seconds())
		case progress.StageCircuit:
			s.circuitEdges.WithLabelValues(evt.Adapter, evt.Status).Inc()
		}
	}
	return nil
}

// trackRunning keeps the running gauge consistent across duplicate events.
func (s *PrometheusSink) trackRunning(jobID string, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, present := s.running[jobID]
	switch {
	case running && !present:
		s.running[jobID] = struct{}{}
		s.jobsRunning.Inc()
	case !running && present:
		delete(s.running, jobID)
		s.jobsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
