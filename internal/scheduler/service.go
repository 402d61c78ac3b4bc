package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fitrunner/internal/apperrors"
	"fitrunner/internal/fit"
	"fitrunner/internal/matrix"
	"fitrunner/internal/runname"
	"fitrunner/internal/runstore"
	"fitrunner/pkg/backoff"
)

// CatalogFactory yields the model catalog for one run. Runs get separate
// catalogs so their artifacts land in per-run directories.
type CatalogFactory func(runID string) fit.Catalog

// Metrics extends MetricsRecorder with run-level measurements.
type Metrics interface {
	MetricsRecorder
	RecordRunCompleted(ctx context.Context, status string, durationSeconds float64)
}

// ServiceConfig carries the execution defaults. A matrix definition may
// override Workers, MaxAttempts and JobTimeout per run.
type ServiceConfig struct {
	Workers      int
	MaxAttempts  int
	JobTimeout   time.Duration
	RetryBackoff *backoff.Config
}

// Service is the run lifecycle API: start, resume and inspect runs.
type Service struct {
	store    runstore.Store
	provider fit.DatasetProvider
	catalogs CatalogFactory
	config   ServiceConfig
	logger   *slog.Logger
	metrics  Metrics
}

// NewService creates a run service. metrics may be nil.
func NewService(store runstore.Store, provider fit.DatasetProvider, catalogs CatalogFactory, cfg ServiceConfig, logger *slog.Logger, metrics Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		provider: provider,
		catalogs: catalogs,
		config:   cfg,
		logger:   logger.With("component", "runs"),
		metrics:  metrics,
	}
}

// Failure describes one job that exhausted its attempts.
type Failure struct {
	Key       fit.Key
	Attempts  int
	LastError string
}

// Summary is the outcome of a scheduling pass or a status lookup.
type Summary struct {
	RunID     string
	Name      string
	Status    string
	Total     int
	Succeeded int
	Failed    int
	Remaining int
	Failures  []Failure
}

// StartRun enumerates the matrix, persists the run with every job queued,
// then drains it. The whole matrix is written before the first dispatch so a
// crash at any point leaves a resumable run.
func (s *Service) StartRun(ctx context.Context, def *matrix.Definition, name string) (*Summary, error) {
	keys, err := matrix.Build(def)
	if err != nil {
		return nil, err
	}

	runID := newRunID()
	catalog := s.catalogs(runID)
	if err := validateVariants(def.Variants, catalog); err != nil {
		return nil, err
	}
	if name == "" {
		name = runname.Generate()
	}

	run := &runstore.Run{
		ID:        runID,
		Name:      name,
		Status:    runstore.RunPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	for _, key := range keys {
		job := &runstore.Job{
			RunID:   runID,
			Source:  key.Source,
			Region:  key.Region,
			Variant: key.Variant,
			Status:  runstore.JobQueued,
		}
		if err := s.store.UpsertJob(ctx, job); err != nil {
			return nil, err
		}
	}

	s.logger.Info("Run created",
		"run_id", runID, "name", name, "jobs", len(keys))

	pending := make([]Pending, 0, len(keys))
	for _, key := range keys {
		pending = append(pending, Pending{Key: key})
	}
	timeout := s.config.JobTimeout
	if def.JobTimeout > 0 {
		timeout = def.JobTimeout
	}
	return s.execute(ctx, run, catalog, s.effectiveConfig(def), timeout, pending)
}

// ResumeRun reloads a run's non-terminal jobs and drains them. Resuming a
// terminal run is a no-op returning its summary.
func (s *Service) ResumeRun(ctx context.Context, runID string) (*Summary, error) {
	run, err := s.store.GetRun(ctx, runID)
	if errors.Is(err, runstore.ErrNotFound) {
		return nil, apperrors.Configuration("run", fmt.Sprintf("unknown run %q", runID))
	}
	if err != nil {
		return nil, err
	}
	if run.Terminal() {
		s.logger.Info("Run already completed, nothing to resume",
			"run_id", runID, "status", run.Status)
		return s.Status(ctx, runID)
	}

	jobs, err := s.store.ListJobs(ctx, runID)
	if err != nil {
		return nil, err
	}

	cfg := Config{
		Workers:      s.config.Workers,
		MaxAttempts:  s.config.MaxAttempts,
		RetryBackoff: s.config.RetryBackoff,
	}
	var pending []Pending
	for i := range jobs {
		job := &jobs[i]
		switch job.Status {
		case runstore.JobQueued:
			pending = append(pending, Pending{Key: job.Key(), Attempts: job.AttemptCount})
		case runstore.JobRunning:
			// Interrupted mid-attempt; the attempt did not finish so it is
			// not counted against the budget.
			pending = append(pending, Pending{Key: job.Key(), Attempts: job.AttemptCount - 1})
		case runstore.JobFailed:
			if job.AttemptCount < cfg.MaxAttempts {
				pending = append(pending, Pending{Key: job.Key(), Attempts: job.AttemptCount})
			}
		}
	}

	s.logger.Info("Run resumed",
		"run_id", runID, "pending", len(pending), "total", len(jobs))

	return s.execute(ctx, run, s.catalogs(runID), cfg, s.config.JobTimeout, pending)
}

// Status summarizes a run from the store without scheduling anything.
func (s *Service) Status(ctx context.Context, runID string) (*Summary, error) {
	run, err := s.store.GetRun(ctx, runID)
	if errors.Is(err, runstore.ErrNotFound) {
		return nil, apperrors.Configuration("run", fmt.Sprintf("unknown run %q", runID))
	}
	if err != nil {
		return nil, err
	}
	return s.summarize(ctx, run)
}

// execute runs one scheduling pass and settles the run's final status.
func (s *Service) execute(ctx context.Context, run *runstore.Run, catalog fit.Catalog, cfg Config, timeout time.Duration, pending []Pending) (*Summary, error) {
	storeCtx := context.WithoutCancel(ctx)
	if err := s.store.UpdateRunStatus(storeCtx, run.ID, runstore.RunRunning); err != nil {
		return nil, err
	}
	run.Status = runstore.RunRunning

	worker := fit.NewWorker(s.provider, catalog, timeout, s.logger)
	sched := New(s.store, worker, cfg, s.logger, s.metrics)
	if err := sched.Run(ctx, run.ID, pending); err != nil {
		return nil, err
	}

	summary, err := s.summarize(storeCtx, run)
	if err != nil {
		return nil, err
	}
	if summary.Remaining > 0 {
		// Stopped before draining; the run stays resumable.
		return summary, nil
	}

	status := runstore.RunCompleted
	if summary.Failed > 0 {
		status = runstore.RunCompletedWithFailures
	}
	completedAt := time.Now().UTC()
	if err := s.store.CompleteRun(storeCtx, run.ID, status, completedAt); err != nil {
		return nil, err
	}
	summary.Status = status
	if s.metrics != nil {
		s.metrics.RecordRunCompleted(storeCtx, status, completedAt.Sub(run.CreatedAt).Seconds())
	}
	s.logger.Info("Run completed",
		"run_id", run.ID, "status", status,
		"succeeded", summary.Succeeded, "failed", summary.Failed)
	return summary, nil
}

func (s *Service) summarize(ctx context.Context, run *runstore.Run) (*Summary, error) {
	jobs, err := s.store.ListJobs(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	summary := &Summary{
		RunID:  run.ID,
		Name:   run.Name,
		Status: run.Status,
		Total:  len(jobs),
	}
	for i := range jobs {
		job := &jobs[i]
		switch job.Status {
		case runstore.JobSucceeded:
			summary.Succeeded++
		case runstore.JobFailed:
			summary.Failed++
			summary.Failures = append(summary.Failures, Failure{
				Key:       job.Key(),
				Attempts:  job.AttemptCount,
				LastError: job.ErrorMessage,
			})
		default:
			summary.Remaining++
		}
	}
	return summary, nil
}

// effectiveConfig merges per-run matrix overrides over the service defaults.
func (s *Service) effectiveConfig(def *matrix.Definition) Config {
	cfg := Config{
		Workers:      s.config.Workers,
		MaxAttempts:  s.config.MaxAttempts,
		RetryBackoff: s.config.RetryBackoff,
	}
	if def.Workers > 0 {
		cfg.Workers = def.Workers
	}
	if def.MaxAttempts > 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	return cfg
}

func validateVariants(names []string, catalog fit.Catalog) error {
	known := make(map[string]struct{})
	for _, v := range catalog.Variants() {
		known[v.Name] = struct{}{}
	}
	for _, name := range names {
		if _, ok := known[name]; !ok {
			return apperrors.Configuration("variants", fmt.Sprintf("unknown variant %q", name))
		}
	}
	return nil
}

func newRunID() string {
	return fmt.Sprintf("%s-%s",
		time.Now().UTC().Format("20060102T150405"),
		uuid.NewString()[:8])
}
