// Package runstore provides the durable record of runs, jobs and results.
// It is the source of truth for resumability and export: a resumed
// orchestrator reconstructs its queue entirely from ListJobs, never from
// in-memory state.
package runstore

import (
	"context"
	"errors"
	"time"

	"fitrunner/internal/fit"
)

// Run statuses.
const (
	RunPending               = "pending"
	RunRunning               = "running"
	RunCompleted             = "completed"
	RunCompletedWithFailures = "completed_with_failures"
)

// Job statuses.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

// ErrNotFound is returned when a run, job or result does not exist.
var ErrNotFound = errors.New("not found")

// Run identifies one batch execution. Mutated only by the orchestrator,
// never deleted automatically.
type Run struct {
	ID          string
	Name        string
	Status      string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Terminal reports whether the run has reached a terminal status.
func (r *Run) Terminal() bool {
	return r.Status == RunCompleted || r.Status == RunCompletedWithFailures
}

// Job is one unit of work within a run. (Source, Region, Variant) is unique
// within the run. Only the orchestrator coordinator writes jobs.
type Job struct {
	RunID        string
	Source       string
	Region       string
	Variant      string
	Status       string
	AttemptCount int
	ErrorMessage string
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// Key returns the job's identity within its run.
func (j *Job) Key() fit.Key {
	return fit.Key{Source: j.Source, Region: j.Region, Variant: j.Variant}
}

// Terminal reports whether the job has reached a terminal status.
func (j *Job) Terminal() bool {
	return j.Status == JobSucceeded || j.Status == JobFailed
}

// Result is the output of a succeeded job, 1:1 with its job. Superseded
// only by re-running the job, which overwrites the prior result.
type Result struct {
	RunID       string
	Source      string
	Region      string
	Variant     string
	Metrics     map[string]float64
	ArtifactRef string
}

// Key returns the owning job's identity within its run.
func (r *Result) Key() fit.Key {
	return fit.Key{Source: r.Source, Region: r.Region, Variant: r.Variant}
}

// Store is durable, per-operation-atomic access to runs, jobs and results.
// The handle is exclusively owned by the orchestrator coordinator for
// writes; concurrent readers (exporter, status) only ever observe committed
// rows. All failures surface as apperrors Persistence errors except
// ErrNotFound lookups.
type Store interface {
	// CreateRun persists a new run.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun returns a run by ID, or ErrNotFound.
	GetRun(ctx context.Context, runID string) (*Run, error)

	// UpdateRunStatus sets the run's status.
	UpdateRunStatus(ctx context.Context, runID, status string) error

	// CompleteRun sets the run's terminal status and completion time.
	CompleteRun(ctx context.Context, runID, status string, completedAt time.Time) error

	// UpsertJob inserts or replaces the job row keyed by
	// (run_id, source, region, variant).
	UpsertJob(ctx context.Context, job *Job) error

	// WriteJobAndResult writes the job's succeeded status and its result in
	// a single transaction, overwriting any prior result for the job.
	WriteJobAndResult(ctx context.Context, job *Job, result *Result) error

	// ListJobs returns all jobs of a run in insertion order.
	ListJobs(ctx context.Context, runID string) ([]Job, error)

	// ListResults returns the results of a run's succeeded jobs in
	// insertion order.
	ListResults(ctx context.Context, runID string) ([]Result, error)

	// GetResult returns the result for one job key, or ErrNotFound.
	GetResult(ctx context.Context, runID string, key fit.Key) (*Result, error)

	// Close releases the underlying handle.
	Close() error
}
