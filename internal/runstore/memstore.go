package runstore

import (
	"context"
	"sync"
	"time"

	"fitrunner/internal/fit"
)

// MemStore is an in-memory Store used by tests and local dry runs.
type MemStore struct {
	mu      sync.RWMutex
	runs    map[string]Run
	jobs    map[string][]Job              // runID -> jobs in insertion order
	results map[string]map[fit.Key]Result // runID -> key -> result
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		runs:    make(map[string]Run),
		jobs:    make(map[string][]Job),
		results: make(map[string]map[fit.Key]Result),
	}
}

// CreateRun implements Store.
func (s *MemStore) CreateRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = *run
	return nil
}

// GetRun implements Store.
func (s *MemStore) GetRun(_ context.Context, runID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return &run, nil
}

// UpdateRunStatus implements Store.
func (s *MemStore) UpdateRunStatus(_ context.Context, runID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}
	run.Status = status
	s.runs[runID] = run
	return nil
}

// CompleteRun implements Store.
func (s *MemStore) CompleteRun(_ context.Context, runID, status string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}
	run.Status = status
	run.CompletedAt = &completedAt
	s.runs[runID] = run
	return nil
}

// UpsertJob implements Store.
func (s *MemStore) UpsertJob(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertJobLocked(job)
	return nil
}

func (s *MemStore) upsertJobLocked(job *Job) {
	list := s.jobs[job.RunID]
	for i := range list {
		if list[i].Key() == job.Key() {
			list[i] = *job
			return
		}
	}
	s.jobs[job.RunID] = append(list, *job)
}

// WriteJobAndResult implements Store.
func (s *MemStore) WriteJobAndResult(_ context.Context, job *Job, result *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertJobLocked(job)
	byKey := s.results[job.RunID]
	if byKey == nil {
		byKey = make(map[fit.Key]Result)
		s.results[job.RunID] = byKey
	}
	byKey[result.Key()] = *result
	return nil
}

// ListJobs implements Store.
func (s *MemStore) ListJobs(_ context.Context, runID string) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, len(s.jobs[runID]))
	copy(out, s.jobs[runID])
	return out, nil
}

// ListResults implements Store.
func (s *MemStore) ListResults(_ context.Context, runID string) ([]Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byKey := s.results[runID]
	out := make([]Result, 0, len(byKey))
	// Keep job insertion order rather than map order.
	for _, job := range s.jobs[runID] {
		if r, ok := byKey[job.Key()]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// GetResult implements Store.
func (s *MemStore) GetResult(_ context.Context, runID string, key fit.Key) (*Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[runID][key]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

// Close implements Store.
func (s *MemStore) Close() error { return nil }

// Verify MemStore implements Store
var _ Store = (*MemStore)(nil)
