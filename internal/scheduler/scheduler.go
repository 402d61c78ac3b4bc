// Package scheduler runs the jobs of one run over a bounded worker pool.
//
// A single coordinator goroutine owns the queue and every store write. Workers
// only execute fits and report outcomes over a channel, so job state
// transitions are serialized without locks. On cancellation the coordinator
// stops dispatching; attempts already in flight run to completion and their
// outcomes are still persisted.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fitrunner/internal/apperrors"
	"fitrunner/internal/fit"
	"fitrunner/internal/runstore"
	"fitrunner/pkg/backoff"
)

// Executor runs one fit attempt. Implemented by fit.Worker.
type Executor interface {
	Execute(ctx context.Context, spec fit.Spec) fit.Outcome
}

// MetricsRecorder is an optional interface for recording scheduler metrics.
type MetricsRecorder interface {
	RecordJobStarted(ctx context.Context, source, region, variant string)
	RecordJobCompleted(ctx context.Context, source, region, variant string, success bool, kind string, durationSeconds float64)
	RecordJobRetried(ctx context.Context, source, region, variant string)
	RecordQueueDepth(ctx context.Context, depth int64)
}

// Config bounds one scheduling pass.
type Config struct {
	Workers      int
	MaxAttempts  int
	RetryBackoff *backoff.Config
}

func (c Config) withDefaults() Config {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	return c
}

// entry is one queued job. attempts counts finished attempts; notBefore
// delays retries without blocking the coordinator.
type entry struct {
	key       fit.Key
	attempts  int
	notBefore time.Time
}

// Scheduler drains a queue of jobs for a single run.
type Scheduler struct {
	store    runstore.Store
	executor Executor
	config   Config
	logger   *slog.Logger
	metrics  MetricsRecorder
}

// New creates a scheduler. metrics may be nil.
func New(store runstore.Store, executor Executor, cfg Config, logger *slog.Logger, metrics MetricsRecorder) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    store,
		executor: executor,
		config:   cfg.withDefaults(),
		logger:   logger.With("component", "scheduler"),
		metrics:  metrics,
	}
}

// Pending describes one job the scheduler should execute.
type Pending struct {
	Key      fit.Key
	Attempts int // attempts already consumed in earlier passes
}

// Run drains the pending jobs and returns once every job is terminal or,
// after cancellation, once the in-flight attempts have finished. Jobs still
// queued at that point stay queued in the store for a later resume. A
// persistence failure aborts the pass.
func (s *Scheduler) Run(ctx context.Context, runID string, pending []Pending) error {
	queue := make([]entry, 0, len(pending))
	for _, p := range pending {
		queue = append(queue, entry{key: p.Key, attempts: p.Attempts})
	}

	// Buffered so workers never block on a coordinator that already bailed.
	completions := make(chan fit.Outcome, s.config.Workers)
	workerCtx := context.WithoutCancel(ctx)
	done := ctx.Done()

	inFlight := 0
	startedAt := make(map[fit.Key]time.Time, s.config.Workers)
	stopping := false

	s.logger.Info("Scheduling pass started",
		"run_id", runID, "jobs", len(queue), "workers", s.config.Workers)

	for len(queue) > 0 || inFlight > 0 {
		// A stop that arrived before this iteration must win over dispatch,
		// including a context already cancelled on entry.
		select {
		case <-done:
			stopping = true
			done = nil
		default:
		}
		now := time.Now()

		for !stopping && inFlight < s.config.Workers {
			i := eligibleIndex(queue, now)
			if i < 0 {
				break
			}
			e := queue[i]
			queue = append(queue[:i], queue[i+1:]...)

			if err := s.markRunning(ctx, runID, e, now); err != nil {
				return err
			}
			startedAt[e.key] = now
			inFlight++
			if s.metrics != nil {
				s.metrics.RecordJobStarted(workerCtx, e.key.Source, e.key.Region, e.key.Variant)
			}

			spec := fit.Spec{RunID: runID, Key: e.key, Attempt: e.attempts + 1}
			go func() {
				completions <- s.executor.Execute(workerCtx, spec)
			}()
		}
		if s.metrics != nil {
			s.metrics.RecordQueueDepth(workerCtx, int64(len(queue)))
		}

		if inFlight == 0 {
			if stopping || len(queue) == 0 {
				break
			}
			// Everything left is backoff-delayed.
			if err := backoff.Sleep(ctx, earliestNotBefore(queue).Sub(now)); err != nil {
				stopping = true
				done = nil
			}
			continue
		}

		select {
		case <-done:
			stopping = true
			done = nil
			s.logger.Info("Stop requested, waiting for in-flight jobs",
				"run_id", runID, "in_flight", inFlight, "queued", len(queue))
		case out := <-completions:
			inFlight--
			started := startedAt[out.Spec.Key]
			delete(startedAt, out.Spec.Key)

			requeue, err := s.recordOutcome(ctx, runID, out, started, stopping)
			if err != nil {
				return err
			}
			if requeue != nil {
				queue = append(queue, *requeue)
			}
		}
	}

	s.logger.Info("Scheduling pass finished", "run_id", runID, "remaining", len(queue))
	return nil
}

// markRunning persists the dispatch: the attempt counts as consumed the
// moment it starts.
func (s *Scheduler) markRunning(ctx context.Context, runID string, e entry, now time.Time) error {
	job := &runstore.Job{
		RunID:        runID,
		Source:       e.key.Source,
		Region:       e.key.Region,
		Variant:      e.key.Variant,
		Status:       runstore.JobRunning,
		AttemptCount: e.attempts + 1,
		StartedAt:    &now,
	}
	if err := s.store.UpsertJob(context.WithoutCancel(ctx), job); err != nil {
		return err
	}
	s.logger.Info("Job started",
		"run_id", runID, "job", e.key.String(), "attempt", e.attempts+1)
	return nil
}

// recordOutcome persists one finished attempt and decides whether the job
// goes back on the queue. Store writes use an uncancelled context so a stop
// signal never loses a finished attempt.
func (s *Scheduler) recordOutcome(ctx context.Context, runID string, out fit.Outcome, started time.Time, stopping bool) (*entry, error) {
	storeCtx := context.WithoutCancel(ctx)
	finished := time.Now()
	key := out.Spec.Key

	job := &runstore.Job{
		RunID:        runID,
		Source:       key.Source,
		Region:       key.Region,
		Variant:      key.Variant,
		AttemptCount: out.Spec.Attempt,
		StartedAt:    &started,
		FinishedAt:   &finished,
	}

	if out.Status == fit.OutcomeSucceeded {
		job.Status = runstore.JobSucceeded
		result := &runstore.Result{
			RunID:       runID,
			Source:      key.Source,
			Region:      key.Region,
			Variant:     key.Variant,
			Metrics:     out.Metrics,
			ArtifactRef: out.ArtifactRef,
		}
		if err := s.store.WriteJobAndResult(storeCtx, job, result); err != nil {
			return nil, err
		}
		if s.metrics != nil {
			s.metrics.RecordJobCompleted(storeCtx, key.Source, key.Region, key.Variant, true, "", out.Elapsed.Seconds())
		}
		s.logger.Info("Job succeeded",
			"run_id", runID, "job", key.String(),
			"attempt", out.Spec.Attempt, "elapsed", out.Elapsed)
		return nil, nil
	}

	kind := apperrors.Kind(out.Err)
	job.ErrorMessage = fmt.Sprintf("%s: %v", kind, out.Err)
	retryable := out.Spec.Attempt < s.config.MaxAttempts && !stopping

	if retryable {
		// The attempt is spent but the job itself goes back to queued so a
		// crash before the retry still resumes it.
		job.Status = runstore.JobQueued
		job.FinishedAt = nil
	} else {
		job.Status = runstore.JobFailed
	}
	if err := s.store.UpsertJob(storeCtx, job); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordJobCompleted(storeCtx, key.Source, key.Region, key.Variant, false, kind, out.Elapsed.Seconds())
	}

	if !retryable {
		s.logger.Warn("Job failed",
			"run_id", runID, "job", key.String(),
			"attempt", out.Spec.Attempt, "error", out.Err)
		return nil, nil
	}

	if s.metrics != nil {
		s.metrics.RecordJobRetried(storeCtx, key.Source, key.Region, key.Variant)
	}
	delay := backoff.Exponential(out.Spec.Attempt, s.config.RetryBackoff)
	s.logger.Warn("Job attempt failed, retrying",
		"run_id", runID, "job", key.String(),
		"attempt", out.Spec.Attempt, "delay", delay, "error", out.Err)
	return &entry{
		key:       key,
		attempts:  out.Spec.Attempt,
		notBefore: finished.Add(delay),
	}, nil
}

// eligibleIndex returns the first queue entry whose backoff delay has passed.
func eligibleIndex(queue []entry, now time.Time) int {
	for i := range queue {
		if !queue[i].notBefore.After(now) {
			return i
		}
	}
	return -1
}

func earliestNotBefore(queue []entry) time.Time {
	earliest := queue[0].notBefore
	for _, e := range queue[1:] {
		if e.notBefore.Before(earliest) {
			earliest = e.notBefore
		}
	}
	return earliest
}
