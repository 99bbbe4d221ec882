// Package progress defines the lifecycle event structures emitted by the
// scheduler, governor, isolation manager, and health monitor.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobSubmitted Stage = "JOB_SUBMITTED"
	StageJobStart     Stage = "JOB_START"
	StageJobProgress  Stage = "JOB_PROGRESS"
	StageJobRetry     Stage = "JOB_RETRY"
	StageJobPaused    Stage = "JOB_PAUSED"
	StageJobResumed   Stage = "JOB_RESUMED"
	StageJobDone      Stage = "JOB_DONE"
	StageJobError     Stage = "JOB_ERROR"
	StageJobCancelled Stage = "JOB_CANCELLED"
	StageProbeDone    Stage = "PROBE_DONE"
	StageCircuit      Stage = "CIRCUIT_CHANGE"
	StageHealth       Stage = "HEALTH_CHANGE"
	StageQuarantine   Stage = "QUARANTINE_CHANGE"
)

// jobStages require a JobID; adapterStages require an Adapter.
var jobStages = map[Stage]bool{
	StageJobSubmitted: true, StageJobStart: true, StageJobProgress: true,
	StageJobRetry: true, StageJobPaused: true, StageJobResumed: true,
	StageJobDone: true, StageJobError: true, StageJobCancelled: true,
}

var adapterStages = map[Stage]bool{
	StageProbeDone: true, StageCircuit: true, StageHealth: true, StageQuarantine: true,
}

// Event captures a single lifecycle milestone. Events form an append-only
// audit trail ordered per job/adapter.
type Event struct {
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// JobID identifies the job for job-scoped stages.
	JobID string
	// Adapter scopes adapter events to a source name.
	Adapter string
	// Status carries the resulting state (job status, circuit state, ...).
	Status string
	// Progress is the job's completion percentage at emit time.
	Progress float64
	// Dur captures execution latency for probes and job completions.
	Dur time.Duration
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch {
	case jobStages[e.Stage]:
		if e.JobID == "" {
			return fmt.Errorf("stage %s requires a job id", e.Stage)
		}
	case adapterStages[e.Stage]:
		if e.Adapter == "" {
			return fmt.Errorf("stage %s requires an adapter", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
