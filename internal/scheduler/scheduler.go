// Package scheduler dispatches prioritized jobs through a bounded worker
// pool with per-category concurrency ceilings, retries, and parent/child
// aggregation for bulk operations.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tsundoku-io/tsundoku/internal/engine"
	"github.com/tsundoku-io/tsundoku/internal/metrics"
	"github.com/tsundoku-io/tsundoku/internal/progress"
)

// Scheduler errors.
var (
	// ErrQueueFull rejects submissions when the pending queue is at capacity.
	ErrQueueFull = errors.New("job queue is full")
	// ErrJobTerminal rejects mutations of jobs that already finished.
	ErrJobTerminal = errors.New("job is in a terminal state")
	// ErrUnknownJobType rejects submissions with no registered handler.
	ErrUnknownJobType = errors.New("no handler registered for job type")
	// ErrAwaitChildren is returned by handlers of parent jobs that spawned
	// children; the parent stays running until its last child finishes.
	ErrAwaitChildren = errors.New("awaiting child jobs")
)

// ProgressFunc lets handlers report incremental progress. Counts are
// absolute, not deltas.
type ProgressFunc func(processed, total, successful, failed int)

// Handler executes one job. The job pointer is owned by the calling worker
// for the duration of Execute; mutations to item counters are persisted when
// the handler returns or reports progress.
type Handler interface {
	Execute(ctx context.Context, job *engine.Job, report ProgressFunc) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *engine.Job, report ProgressFunc) error

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, job *engine.Job, report ProgressFunc) error {
	return f(ctx, job, report)
}

// Config controls worker pool sizing and retry policy.
type Config struct {
	Workers                   int
	QueueDepth                int
	MaxConcurrent             int
	MaxConcurrentDownloads    int
	MaxConcurrentHealthChecks int
	DefaultMaxRetries         int
	DefaultTimeout            time.Duration
	BackoffInitial            time.Duration
	BackoffMax                time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 256
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = c.Workers
	}
	if c.MaxConcurrentDownloads <= 0 {
		c.MaxConcurrentDownloads = c.MaxConcurrent
	}
	if c.MaxConcurrentHealthChecks <= 0 {
		c.MaxConcurrentHealthChecks = c.MaxConcurrent
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 10 * time.Minute
	}
	return c
}

// SubmitRequest describes a job to enqueue. Zero-valued fields fall back to
// scheduler defaults.
type SubmitRequest struct {
	Type           engine.JobType
	Priority       engine.Priority
	Payload        map[string]any
	ParentID       string
	MaxRetries     *int
	TimeoutSeconds int
	TotalItems     int
}

// Scheduler owns the pending queue and the worker pool.
type Scheduler struct {
	cfg     Config
	store   engine.JobStore
	clock   engine.Clock
	ids     engine.IDGenerator
	emitter progress.Emitter
	backoff *BackoffPolicy
	logger  *zap.Logger

	mu           sync.Mutex
	cond         *sync.Cond
	q            *jobQueue
	handlers     map[engine.JobType]Handler
	runningCount int
	runningByCat map[engine.JobCategory]int
	cancels      map[string]context.CancelFunc
	pauseReq     map[string]bool
	timers       map[string]*time.Timer
	// owned holds every job id the scheduler currently controls: queued,
	// running, or parked on a retry timer. A job id enters the queue only
	// through an ownership claim, so two racing Resume calls (or a Cancel
	// racing a retry timer) cannot double-dispatch the same id.
	owned   map[string]struct{}
	started bool
	stopped bool

	// parentMu serializes parent aggregation across concurrent child
	// completions.
	parentMu sync.Mutex

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup
}

// New constructs a Scheduler. Call Start to launch workers.
func New(cfg Config, store engine.JobStore, clock engine.Clock, ids engine.IDGenerator, emitter progress.Emitter, logger *zap.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	if emitter == nil {
		emitter = progress.Discard{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		cfg:          cfg,
		store:        store,
		clock:        clock,
		ids:          ids,
		emitter:      emitter,
		backoff:      NewBackoffPolicy(cfg.BackoffInitial, cfg.BackoffMax),
		logger:       logger,
		q:            newJobQueue(),
		handlers:     make(map[engine.JobType]Handler),
		runningByCat: make(map[engine.JobCategory]int),
		cancels:      make(map[string]context.CancelFunc),
		pauseReq:     make(map[string]bool),
		timers:       make(map[string]*time.Timer),
		owned:        make(map[string]struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// RegisterHandler binds a handler to a job type. It must be called before
// jobs of that type are submitted.
func (s *Scheduler) RegisterHandler(t engine.JobType, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[t] = h
}

// Start launches the worker pool. It is idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.workerLoop()
	}
}

// Stop halts dispatch, cancels running jobs, and waits for workers to exit.
// Interrupted jobs are reset to pending so a restart can pick them up.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	if s.cancelBase != nil {
		s.cancelBase()
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop wait: %w", ctx.Err())
	}
}

// Submit validates, persists, and enqueues a job, returning the stored copy.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (engine.Job, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return engine.Job{}, errors.New("scheduler is stopped")
	}
	if _, ok := s.handlers[req.Type]; !ok {
		s.mu.Unlock()
		return engine.Job{}, fmt.Errorf("%w: %s", ErrUnknownJobType, req.Type)
	}
	if s.q.len() >= s.cfg.QueueDepth {
		s.mu.Unlock()
		return engine.Job{}, ErrQueueFull
	}
	s.mu.Unlock()

	id, err := s.ids.NewID()
	if err != nil {
		return engine.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	job := engine.Job{
		ID:             id,
		Type:           req.Type,
		Priority:       req.Priority,
		Status:         engine.JobStatusPending,
		MaxRetries:     s.cfg.DefaultMaxRetries,
		TimeoutSeconds: req.TimeoutSeconds,
		ParentID:       req.ParentID,
		Payload:        req.Payload,
		TotalItems:     req.TotalItems,
		Submitted:      s.clock.Now(),
	}
	if job.Priority == 0 {
		job.Priority = engine.PriorityNormal
	}
	if req.MaxRetries != nil {
		job.MaxRetries = *req.MaxRetries
	}
	if job.TimeoutSeconds <= 0 {
		job.TimeoutSeconds = int(s.cfg.DefaultTimeout.Seconds())
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return engine.Job{}, fmt.Errorf("persist job: %w", err)
	}
	s.emitJob(progress.StageJobSubmitted, job, "")

	s.mu.Lock()
	s.owned[job.ID] = struct{}{}
	s.q.push(job)
	s.cond.Signal()
	s.mu.Unlock()
	return job, nil
}

// claim reserves dispatch ownership of a job id. It fails when the id is
// already queued, running, or parked on a retry timer.
func (s *Scheduler) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.owned[id]; taken {
		return false
	}
	s.owned[id] = struct{}{}
	return true
}

func (s *Scheduler) disown(id string) {
	s.mu.Lock()
	delete(s.owned, id)
	s.mu.Unlock()
}

// Cancel transitions a job to cancelled. Pending jobs leave the queue
// immediately; running jobs have their context cancelled. Cancelling a
// parent cascades to its non-terminal children.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return ErrJobTerminal
	}

	s.mu.Lock()
	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
	}
	s.q.remove(id)
	cancel, running := s.cancels[id]
	if !running {
		// Releasing ownership here also stops a retry timer callback that
		// already fired from re-enqueueing the job.
		delete(s.owned, id)
	}
	s.mu.Unlock()

	if running {
		cancel()
	} else {
		// No in-flight context: the job is queued, paused, waiting on a
		// retry timer, or a parent awaiting children.
		now := s.clock.Now()
		job.Status = engine.JobStatusCancelled
		job.Finished = &now
		if err := s.store.UpdateJob(ctx, job); err != nil {
			return fmt.Errorf("persist cancellation: %w", err)
		}
		s.emitJob(progress.StageJobCancelled, job, "")
		metrics.ObserveJob(string(job.Type), string(job.Status))
	}

	if job.Type == engine.JobTypeDownloadSeries {
		s.cancelChildren(ctx, id)
	}
	return nil
}

func (s *Scheduler) cancelChildren(ctx context.Context, parentID string) {
	children, err := s.store.ListJobs(ctx, engine.JobFilter{ParentID: parentID})
	if err != nil {
		s.logger.Warn("list children for cancellation failed",
			zap.String("parent_id", parentID), zap.Error(err))
		return
	}
	for _, child := range children {
		if child.Status.Terminal() {
			continue
		}
		if err := s.Cancel(ctx, child.ID); err != nil && !errors.Is(err, ErrJobTerminal) {
			s.logger.Warn("cancel child failed",
				zap.String("job_id", child.ID), zap.Error(err))
		}
	}
}

// Pause parks a job until Resume is called. Pending jobs leave the queue;
// running jobs are interrupted and re-run from their last persisted counters
// on resume.
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return ErrJobTerminal
	}

	s.mu.Lock()
	if cancel, running := s.cancels[id]; running {
		s.pauseReq[id] = true
		s.mu.Unlock()
		cancel()
		return nil
	}
	if job.Status != engine.JobStatusPending {
		s.mu.Unlock()
		return fmt.Errorf("job %s is %s; it cannot be paused", id, job.Status)
	}
	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
	}
	s.q.remove(id)
	delete(s.owned, id)
	s.mu.Unlock()

	job.Status = engine.JobStatusPaused
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("persist pause: %w", err)
	}
	s.emitJob(progress.StageJobPaused, job, "")
	return nil
}

// Resume re-enqueues a paused job. Racing Resume calls on one id resolve
// through the ownership claim: exactly one enqueues, the rest error out.
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != engine.JobStatusPaused {
		return fmt.Errorf("job %s is %s; only paused jobs can be resumed", id, job.Status)
	}
	if !s.claim(id) {
		return fmt.Errorf("job %s is already scheduled", id)
	}
	job.Status = engine.JobStatusPending
	if err := s.store.UpdateJob(ctx, job); err != nil {
		s.disown(id)
		return fmt.Errorf("persist resume: %w", err)
	}
	s.emitJob(progress.StageJobResumed, job, "")

	s.mu.Lock()
	if _, ok := s.owned[id]; ok {
		// A Cancel arriving after the claim releases ownership; do not
		// enqueue a job the scheduler no longer controls.
		s.q.push(job)
		s.cond.Signal()
	}
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) categoryLimit(cat engine.JobCategory) int {
	switch cat {
	case engine.CategoryDownload:
		return s.cfg.MaxConcurrentDownloads
	case engine.CategoryHealthCheck:
		return s.cfg.MaxConcurrentHealthChecks
	default:
		return s.cfg.MaxConcurrent
	}
}

// eligibleLocked is the dispatch predicate; callers hold s.mu.
func (s *Scheduler) eligibleLocked(job engine.Job) bool {
	if s.runningCount >= s.cfg.MaxConcurrent {
		return false
	}
	cat := job.Type.Category()
	return s.runningByCat[cat] < s.categoryLimit(cat)
}

func (s *Scheduler) workerLoop() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		var job engine.Job
		for {
			if s.stopped {
				s.mu.Unlock()
				return
			}
			var ok bool
			job, ok = s.q.popEligible(s.eligibleLocked)
			if ok {
				break
			}
			s.cond.Wait()
		}
		cat := job.Type.Category()
		s.runningCount++
		s.runningByCat[cat]++
		jobCtx, cancel := context.WithCancel(s.baseCtx)
		s.cancels[job.ID] = cancel
		s.mu.Unlock()

		s.execute(jobCtx, job)

		s.mu.Lock()
		delete(s.cancels, job.ID)
		delete(s.pauseReq, job.ID)
		if _, parked := s.timers[job.ID]; !parked {
			// No retry pending: the scheduler no longer controls this id.
			delete(s.owned, job.ID)
		}
		s.runningCount--
		s.runningByCat[cat]--
		s.mu.Unlock()
		cancel()
		s.cond.Broadcast()
	}
}

func (s *Scheduler) execute(jobCtx context.Context, job engine.Job) {
	s.mu.Lock()
	handler := s.handlers[job.Type]
	s.mu.Unlock()
	if handler == nil {
		s.failJob(&job, fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type))
		return
	}

	now := s.clock.Now()
	job.Status = engine.JobStatusRunning
	job.Started = &now
	if err := s.store.UpdateJob(jobCtx, job); err != nil {
		s.logger.Error("persist job start failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	s.emitJob(progress.StageJobStart, job, "")
	metrics.IncJobsRunning()
	defer metrics.DecJobsRunning()

	runCtx, cancelTimeout := context.WithTimeout(jobCtx, job.Timeout())
	defer cancelTimeout()

	err := handler.Execute(runCtx, &job, s.reportFunc(&job))
	s.finalize(jobCtx, runCtx, &job, err)
}

// reportFunc persists incremental progress and emits JOB_PROGRESS events.
func (s *Scheduler) reportFunc(job *engine.Job) ProgressFunc {
	return func(processed, total, successful, failed int) {
		job.ProcessedItems = processed
		job.TotalItems = total
		job.SuccessfulItems = successful
		job.FailedItems = failed
		if total > 0 {
			job.Progress = float64(processed) / float64(total) * 100
		}
		if err := s.store.UpdateJob(context.Background(), *job); err != nil {
			s.logger.Warn("persist job progress failed",
				zap.String("job_id", job.ID), zap.Error(err))
		}
		s.emitJob(progress.StageJobProgress, *job, "")
	}
}

func (s *Scheduler) finalize(jobCtx, runCtx context.Context, job *engine.Job, err error) {
	if errors.Is(err, ErrAwaitChildren) {
		// The parent keeps its running status; the last child to finish
		// completes it via aggregateChild.
		if uerr := s.store.UpdateJob(context.Background(), *job); uerr != nil {
			s.logger.Error("persist parent state failed",
				zap.String("job_id", job.ID), zap.Error(uerr))
		}
		return
	}

	s.mu.Lock()
	shutdown := s.stopped
	s.mu.Unlock()
	if shutdown && jobCtx.Err() != nil {
		// Interrupted by Stop: requeue on next start instead of failing.
		job.Status = engine.JobStatusPending
		job.Started = nil
		if uerr := s.store.UpdateJob(context.Background(), *job); uerr != nil {
			s.logger.Error("persist job reset failed",
				zap.String("job_id", job.ID), zap.Error(uerr))
		}
		return
	}

	switch {
	case err == nil:
		s.completeJob(job)
	case jobCtx.Err() == context.Canceled:
		s.mu.Lock()
		paused := s.pauseReq[job.ID]
		delete(s.pauseReq, job.ID)
		s.mu.Unlock()
		if paused {
			s.pauseJob(job)
		} else {
			s.cancelJob(job)
		}
	default:
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %v", engine.ErrJobTimeout, job.Timeout(), err)
		}
		if s.backoff.Retryable(err) && job.RetryCount < job.MaxRetries {
			s.scheduleRetry(job, err)
		} else {
			s.failJob(job, err)
		}
	}

	if job.Status.Terminal() && job.ParentID != "" {
		s.aggregateChild(*job)
	}
}

func (s *Scheduler) completeJob(job *engine.Job) {
	now := s.clock.Now()
	job.Finished = &now
	switch {
	case job.FailedItems == 0:
		job.Status = engine.JobStatusCompleted
		job.Progress = 100
	case job.SuccessfulItems > 0:
		job.Status = engine.JobStatusCompletedPartial
	default:
		job.Status = engine.JobStatusFailed
		job.ErrorText = "all items failed"
	}
	if err := s.store.UpdateJob(context.Background(), *job); err != nil {
		s.logger.Error("persist job completion failed",
			zap.String("job_id", job.ID), zap.Error(err))
	}
	stage := progress.StageJobDone
	if job.Status == engine.JobStatusFailed {
		stage = progress.StageJobError
	}
	s.emitJob(stage, *job, job.ErrorText)
	metrics.ObserveJob(string(job.Type), string(job.Status))
}

func (s *Scheduler) pauseJob(job *engine.Job) {
	job.Status = engine.JobStatusPaused
	job.Started = nil
	if err := s.store.UpdateJob(context.Background(), *job); err != nil {
		s.logger.Error("persist job pause failed",
			zap.String("job_id", job.ID), zap.Error(err))
	}
	s.emitJob(progress.StageJobPaused, *job, "")
}

func (s *Scheduler) cancelJob(job *engine.Job) {
	now := s.clock.Now()
	job.Status = engine.JobStatusCancelled
	job.Finished = &now
	if err := s.store.UpdateJob(context.Background(), *job); err != nil {
		s.logger.Error("persist job cancellation failed",
			zap.String("job_id", job.ID), zap.Error(err))
	}
	s.emitJob(progress.StageJobCancelled, *job, "")
	metrics.ObserveJob(string(job.Type), string(job.Status))
}

func (s *Scheduler) failJob(job *engine.Job, err error) {
	now := s.clock.Now()
	job.Status = engine.JobStatusFailed
	job.Finished = &now
	job.ErrorText = err.Error()
	if uerr := s.store.UpdateJob(context.Background(), *job); uerr != nil {
		s.logger.Error("persist job failure failed",
			zap.String("job_id", job.ID), zap.Error(uerr))
	}
	s.emitJob(progress.StageJobError, *job, err.Error())
	metrics.ObserveJob(string(job.Type), string(job.Status))
}

func (s *Scheduler) scheduleRetry(job *engine.Job, cause error) {
	job.RetryCount++
	job.Status = engine.JobStatusPending
	job.Started = nil
	job.ErrorText = cause.Error()
	if err := s.store.UpdateJob(context.Background(), *job); err != nil {
		s.logger.Error("persist job retry failed",
			zap.String("job_id", job.ID), zap.Error(err))
	}
	delay := s.backoff.Delay(job.RetryCount)
	s.emitJob(progress.StageJobRetry, *job,
		fmt.Sprintf("attempt %d/%d in %s: %s", job.RetryCount, job.MaxRetries, delay, cause))

	id := job.ID
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.timers[id] = time.AfterFunc(delay, func() { s.requeue(id) })
	s.mu.Unlock()
}

func (s *Scheduler) requeue(id string) {
	s.mu.Lock()
	delete(s.timers, id)
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	job, err := s.store.GetJob(context.Background(), id)
	if err != nil {
		s.logger.Error("load job for retry failed", zap.String("job_id", id), zap.Error(err))
		s.disown(id)
		return
	}
	if job.Status != engine.JobStatusPending {
		s.disown(id)
		return
	}

	s.mu.Lock()
	if _, ok := s.owned[id]; !ok {
		// Cancelled or paused while the timer callback was in flight.
		s.mu.Unlock()
		return
	}
	s.q.push(job)
	s.cond.Signal()
	s.mu.Unlock()
}

// aggregateChild folds one terminal child into its parent; the last child to
// finish drives the parent terminal.
func (s *Scheduler) aggregateChild(child engine.Job) {
	s.parentMu.Lock()
	defer s.parentMu.Unlock()

	ctx := context.Background()
	parent, err := s.store.GetJob(ctx, child.ParentID)
	if err != nil {
		s.logger.Error("load parent job failed",
			zap.String("parent_id", child.ParentID), zap.Error(err))
		return
	}
	if parent.Status.Terminal() {
		return
	}

	parent.ProcessedItems++
	switch child.Status {
	case engine.JobStatusCompleted, engine.JobStatusCompletedPartial:
		parent.SuccessfulItems++
	default:
		parent.FailedItems++
	}
	if parent.TotalItems > 0 {
		parent.Progress = float64(parent.ProcessedItems) / float64(parent.TotalItems) * 100
	}

	done := parent.TotalItems > 0 && parent.ProcessedItems >= parent.TotalItems
	if done {
		now := s.clock.Now()
		parent.Finished = &now
		switch {
		case parent.FailedItems == 0:
			parent.Status = engine.JobStatusCompleted
			parent.Progress = 100
		case parent.SuccessfulItems > 0:
			parent.Status = engine.JobStatusCompletedPartial
		default:
			parent.Status = engine.JobStatusFailed
			parent.ErrorText = "all child jobs failed"
		}
	}

	if err := s.store.UpdateJob(ctx, parent); err != nil {
		s.logger.Error("persist parent aggregation failed",
			zap.String("parent_id", parent.ID), zap.Error(err))
		return
	}

	if done {
		stage := progress.StageJobDone
		if parent.Status == engine.JobStatusFailed {
			stage = progress.StageJobError
		}
		s.emitJob(stage, parent, parent.ErrorText)
		metrics.ObserveJob(string(parent.Type), string(parent.Status))
	} else {
		s.emitJob(progress.StageJobProgress, parent, "")
	}
}

func (s *Scheduler) emitJob(stage progress.Stage, job engine.Job, note string) {
	s.emitter.Emit(progress.Event{
		TS:       s.clock.Now(),
		Stage:    stage,
		JobID:    job.ID,
		Status:   string(job.Status),
		Progress: job.Progress,
		Note:     note,
	})
}
