package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fitrunner/internal/apperrors"
	"fitrunner/internal/fit"
	"fitrunner/internal/matrix"
	"fitrunner/internal/runstore"
	"fitrunner/internal/testutil"
	"fitrunner/pkg/backoff"
)

// stubProvider serves a fixed series for every key.
type stubProvider struct{}

func (stubProvider) Dataset(_ context.Context, source, region string) (*fit.Dataset, error) {
	ds := &fit.Dataset{Source: source, Region: region}
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 24; i++ {
		ds.Times = append(ds.Times, start.Add(time.Duration(i)*time.Hour))
		ds.Values = append(ds.Values, float64(i))
	}
	return ds, nil
}

// stubCatalog delegates fitting to fitFn and tracks concurrency.
type stubCatalog struct {
	fitFn func(ctx context.Context, variant string, ds *fit.Dataset) (string, map[string]float64, error)

	mu        sync.Mutex
	active    int
	maxActive int
	calls     map[string]int
}

func newStubCatalog(fitFn func(ctx context.Context, variant string, ds *fit.Dataset) (string, map[string]float64, error)) *stubCatalog {
	if fitFn == nil {
		fitFn = func(_ context.Context, variant string, ds *fit.Dataset) (string, map[string]float64, error) {
			return fmt.Sprintf("models/%s-%s-%s.json", ds.Source, ds.Region, variant),
				map[string]float64{"mae": 1.0}, nil
		}
	}
	return &stubCatalog{fitFn: fitFn, calls: make(map[string]int)}
}

func (c *stubCatalog) Variants() []fit.VariantSpec {
	return []fit.VariantSpec{{Name: "naive"}, {Name: "linear"}}
}

func (c *stubCatalog) Fit(ctx context.Context, variant string, ds *fit.Dataset) (string, map[string]float64, error) {
	key := fmt.Sprintf("%s/%s/%s", ds.Source, ds.Region, variant)
	c.mu.Lock()
	c.active++
	if c.active > c.maxActive {
		c.maxActive = c.active
	}
	c.calls[key]++
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.active--
		c.mu.Unlock()
	}()
	return c.fitFn(ctx, variant, ds)
}

func (c *stubCatalog) callCount(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[key]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(store runstore.Store, catalog *stubCatalog, workers, maxAttempts int) *Service {
	cfg := ServiceConfig{
		Workers:      workers,
		MaxAttempts:  maxAttempts,
		JobTimeout:   time.Minute,
		RetryBackoff: &backoff.Config{Initial: time.Millisecond, Max: 2 * time.Millisecond},
	}
	factory := func(string) fit.Catalog { return catalog }
	return NewService(store, stubProvider{}, factory, cfg, quietLogger(), nil)
}

func smallMatrix() *matrix.Definition {
	return &matrix.Definition{
		Sources:  []string{"power"},
		Regions:  []string{"north", "south"},
		Variants: []string{"naive", "linear"},
	}
}

// verifyInvariants checks that every job is terminal and that a result
// exists exactly for the succeeded jobs.
func verifyInvariants(t *testing.T, store runstore.Store, runID string) {
	t.Helper()
	ctx := context.Background()

	jobs, err := store.ListJobs(ctx, runID)
	if err != nil {
		t.Fatal(err)
	}
	succeeded := make(map[fit.Key]bool)
	for i := range jobs {
		job := &jobs[i]
		if !job.Terminal() {
			t.Errorf("job %s not terminal: %s", job.Key(), job.Status)
		}
		if job.Status == runstore.JobSucceeded {
			succeeded[job.Key()] = true
		}
		if _, err := store.GetResult(ctx, runID, job.Key()); job.Status == runstore.JobSucceeded {
			if err != nil {
				t.Errorf("succeeded job %s has no result: %v", job.Key(), err)
			}
		} else if !errors.Is(err, runstore.ErrNotFound) {
			t.Errorf("non-succeeded job %s has a result", job.Key())
		}
	}

	results, err := store.ListResults(ctx, runID)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != len(succeeded) {
		t.Errorf("results = %d, succeeded jobs = %d", len(results), len(succeeded))
	}
}

func TestStartRunAllSucceed(t *testing.T) {
	t.Parallel()
	store := runstore.NewMemStore()
	catalog := newStubCatalog(nil)
	svc := newTestService(store, catalog, 2, 2)

	summary, err := svc.StartRun(context.Background(), smallMatrix(), "first-pass")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if summary.Status != runstore.RunCompleted {
		t.Errorf("status = %s, want completed", summary.Status)
	}
	if summary.Total != 4 || summary.Succeeded != 4 || summary.Failed != 0 || summary.Remaining != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if summary.Name != "first-pass" {
		t.Errorf("name = %q", summary.Name)
	}

	run, err := store.GetRun(context.Background(), summary.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if !run.Terminal() || run.CompletedAt == nil {
		t.Errorf("run not completed: %+v", run)
	}
	verifyInvariants(t, store, summary.RunID)
}

func TestStartRunGeneratesName(t *testing.T) {
	t.Parallel()
	store := runstore.NewMemStore()
	svc := newTestService(store, newStubCatalog(nil), 2, 1)

	summary, err := svc.StartRun(context.Background(), smallMatrix(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Name == "" {
		t.Error("expected a generated run name")
	}
}

func TestStartRunRejectsUnknownVariant(t *testing.T) {
	t.Parallel()
	svc := newTestService(runstore.NewMemStore(), newStubCatalog(nil), 2, 1)

	def := smallMatrix()
	def.Variants = []string{"naive", "prophet"}
	_, err := svc.StartRun(context.Background(), def, "")
	if !errors.Is(err, apperrors.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestPersistentFailureExhaustsAttempts(t *testing.T) {
	t.Parallel()
	store := runstore.NewMemStore()
	catalog := newStubCatalog(func(_ context.Context, variant string, ds *fit.Dataset) (string, map[string]float64, error) {
		if ds.Region == "south" && variant == "naive" {
			return "", nil, fmt.Errorf("singular matrix")
		}
		return "models/ok.json", map[string]float64{"mae": 1.0}, nil
	})
	svc := newTestService(store, catalog, 2, 2)

	summary, err := svc.StartRun(context.Background(), smallMatrix(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if summary.Status != runstore.RunCompletedWithFailures {
		t.Errorf("status = %s, want completed_with_failures", summary.Status)
	}
	if summary.Succeeded != 3 || summary.Failed != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if got := catalog.callCount("power/south/naive"); got != 2 {
		t.Errorf("failing job attempted %d times, want 2", got)
	}

	if len(summary.Failures) != 1 {
		t.Fatalf("failures = %v", summary.Failures)
	}
	failure := summary.Failures[0]
	if failure.Key != (fit.Key{Source: "power", Region: "south", Variant: "naive"}) {
		t.Errorf("failure key = %v", failure.Key)
	}
	if failure.Attempts != 2 {
		t.Errorf("failure attempts = %d, want 2", failure.Attempts)
	}
	if failure.LastError == "" {
		t.Error("expected last error to be recorded")
	}
	verifyInvariants(t, store, summary.RunID)
}

func TestTransientFailureRetriesAndSucceeds(t *testing.T) {
	t.Parallel()
	store := runstore.NewMemStore()
	var failures atomic.Int64
	catalog := newStubCatalog(func(_ context.Context, variant string, ds *fit.Dataset) (string, map[string]float64, error) {
		if ds.Region == "south" && variant == "linear" && failures.Add(1) == 1 {
			return "", nil, fmt.Errorf("connection reset")
		}
		return "models/ok.json", map[string]float64{"mae": 1.0}, nil
	})
	svc := newTestService(store, catalog, 2, 3)

	summary, err := svc.StartRun(context.Background(), smallMatrix(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if summary.Status != runstore.RunCompleted {
		t.Errorf("status = %s, want completed", summary.Status)
	}
	jobs, err := store.ListJobs(context.Background(), summary.RunID)
	if err != nil {
		t.Fatal(err)
	}
	for i := range jobs {
		if jobs[i].Region == "south" && jobs[i].Variant == "linear" {
			if jobs[i].AttemptCount != 2 {
				t.Errorf("retried job attempts = %d, want 2", jobs[i].AttemptCount)
			}
		}
	}
	verifyInvariants(t, store, summary.RunID)
}

func TestConcurrencyNeverExceedsWorkers(t *testing.T) {
	t.Parallel()
	store := runstore.NewMemStore()
	catalog := newStubCatalog(func(ctx context.Context, _ string, _ *fit.Dataset) (string, map[string]float64, error) {
		select {
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
		return "models/ok.json", map[string]float64{"mae": 1.0}, nil
	})
	svc := newTestService(store, catalog, 2, 1)

	def := &matrix.Definition{
		Sources:  []string{"power", "weather"},
		Regions:  []string{"north", "south"},
		Variants: []string{"naive", "linear"},
	}
	summary, err := svc.StartRun(context.Background(), def, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Succeeded != 8 {
		t.Errorf("succeeded = %d, want 8", summary.Succeeded)
	}

	catalog.mu.Lock()
	maxActive := catalog.maxActive
	catalog.mu.Unlock()
	if maxActive > 2 {
		t.Errorf("max concurrent fits = %d, want <= 2", maxActive)
	}
	if maxActive < 1 {
		t.Errorf("max concurrent fits = %d", maxActive)
	}
}

func TestMatrixOverridesWorkerCount(t *testing.T) {
	t.Parallel()
	store := runstore.NewMemStore()
	catalog := newStubCatalog(func(ctx context.Context, _ string, _ *fit.Dataset) (string, map[string]float64, error) {
		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
		return "models/ok.json", map[string]float64{"mae": 1.0}, nil
	})
	svc := newTestService(store, catalog, 8, 1)

	def := smallMatrix()
	def.Workers = 1
	if _, err := svc.StartRun(context.Background(), def, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	catalog.mu.Lock()
	maxActive := catalog.maxActive
	catalog.mu.Unlock()
	if maxActive != 1 {
		t.Errorf("max concurrent fits = %d, want 1", maxActive)
	}
}

func TestStopLeavesRunResumable(t *testing.T) {
	t.Parallel()
	store := runstore.NewMemStore()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var once sync.Once
	var fitsFinished atomic.Int64
	catalog := newStubCatalog(func(_ context.Context, _ string, _ *fit.Dataset) (string, map[string]float64, error) {
		once.Do(func() {
			started <- struct{}{}
			<-release
		})
		fitsFinished.Add(1)
		return "models/ok.json", map[string]float64{"mae": 1.0}, nil
	})
	svc := newTestService(store, catalog, 1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	var (
		summary *Summary
		runErr  error
		wg      sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		summary, runErr = svc.StartRun(ctx, smallMatrix(), "interrupted")
	}()

	// Stop while the first job is mid-fit, give the coordinator time to see
	// the signal, then let the job finish.
	<-started
	cancel()
	time.Sleep(50 * time.Millisecond)
	close(release)
	testutil.MustWaitForCount(t, &fitsFinished, 1, testutil.WithTimeout(5*time.Second))
	wg.Wait()

	if runErr != nil {
		t.Fatalf("unexpected error: %v", runErr)
	}
	// The in-flight job completed despite the stop; the rest stayed queued.
	if summary.Succeeded < 1 {
		t.Errorf("succeeded = %d, want >= 1", summary.Succeeded)
	}
	if summary.Remaining < 1 {
		t.Errorf("remaining = %d, want >= 1", summary.Remaining)
	}
	if summary.Succeeded+summary.Remaining != 4 {
		t.Errorf("summary = %+v", summary)
	}

	run, err := store.GetRun(context.Background(), summary.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Terminal() {
		t.Errorf("stopped run must not be terminal, got %s", run.Status)
	}

	// A fresh pass picks up exactly the remaining jobs.
	resumed, err := svc.ResumeRun(context.Background(), summary.RunID)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if resumed.Status != runstore.RunCompleted {
		t.Errorf("resumed status = %s, want completed", resumed.Status)
	}
	if resumed.Succeeded != 4 || resumed.Remaining != 0 {
		t.Errorf("resumed summary = %+v", resumed)
	}
	verifyInvariants(t, store, summary.RunID)
}

func TestResumeSkipsSucceededJobs(t *testing.T) {
	t.Parallel()
	store := runstore.NewMemStore()
	ctx := context.Background()

	// Simulate a crashed run: two terminal jobs, one interrupted, one queued.
	run := &runstore.Run{ID: "run-1", Name: "crashed", Status: runstore.RunRunning, CreatedAt: time.Now().UTC()}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	jobs := []runstore.Job{
		{RunID: "run-1", Source: "power", Region: "north", Variant: "naive", Status: runstore.JobSucceeded, AttemptCount: 1, StartedAt: &now, FinishedAt: &now},
		{RunID: "run-1", Source: "power", Region: "north", Variant: "linear", Status: runstore.JobFailed, AttemptCount: 2, ErrorMessage: "fit: boom"},
		{RunID: "run-1", Source: "power", Region: "south", Variant: "naive", Status: runstore.JobRunning, AttemptCount: 1, StartedAt: &now},
		{RunID: "run-1", Source: "power", Region: "south", Variant: "linear", Status: runstore.JobQueued},
	}
	for i := range jobs {
		if err := store.UpsertJob(ctx, &jobs[i]); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.WriteJobAndResult(ctx, &jobs[0], &runstore.Result{
		RunID: "run-1", Source: "power", Region: "north", Variant: "naive",
		Metrics: map[string]float64{"mae": 1.0}, ArtifactRef: "models/a.json",
	}); err != nil {
		t.Fatal(err)
	}

	catalog := newStubCatalog(nil)
	svc := newTestService(store, catalog, 2, 2)

	summary, err := svc.ResumeRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The succeeded job is not re-run; the failed one already spent both
	// attempts and stays failed.
	if got := catalog.callCount("power/north/naive"); got != 0 {
		t.Errorf("succeeded job re-run %d times", got)
	}
	if got := catalog.callCount("power/north/linear"); got != 0 {
		t.Errorf("exhausted job re-run %d times", got)
	}
	if got := catalog.callCount("power/south/naive"); got != 1 {
		t.Errorf("interrupted job run %d times, want 1", got)
	}
	if got := catalog.callCount("power/south/linear"); got != 1 {
		t.Errorf("queued job run %d times, want 1", got)
	}

	if summary.Status != runstore.RunCompletedWithFailures {
		t.Errorf("status = %s, want completed_with_failures", summary.Status)
	}
	if summary.Succeeded != 3 || summary.Failed != 1 {
		t.Errorf("summary = %+v", summary)
	}
	verifyInvariants(t, store, "run-1")
}

func TestResumeCompletedRunIsNoOp(t *testing.T) {
	t.Parallel()
	store := runstore.NewMemStore()
	catalog := newStubCatalog(nil)
	svc := newTestService(store, catalog, 2, 1)

	summary, err := svc.StartRun(context.Background(), smallMatrix(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	callsBefore := catalog.callCount("power/north/naive")

	resumed, err := svc.ResumeRun(context.Background(), summary.RunID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resumed.Status != runstore.RunCompleted {
		t.Errorf("status = %s", resumed.Status)
	}
	if got := catalog.callCount("power/north/naive"); got != callsBefore {
		t.Errorf("completed run re-executed jobs: %d -> %d", callsBefore, got)
	}
}

func TestResumeUnknownRun(t *testing.T) {
	t.Parallel()
	svc := newTestService(runstore.NewMemStore(), newStubCatalog(nil), 2, 1)

	_, err := svc.ResumeRun(context.Background(), "20240101T000000-deadbeef")
	if !errors.Is(err, apperrors.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

// failingStore wraps a Store and fails selected writes so run store
// failures can be injected mid-run.
type failingStore struct {
	runstore.Store
	failRunningUpsert bool
	failResultWrite   bool

	runID string
}

func (s *failingStore) CreateRun(ctx context.Context, run *runstore.Run) error {
	s.runID = run.ID
	return s.Store.CreateRun(ctx, run)
}

func (s *failingStore) UpsertJob(ctx context.Context, job *runstore.Job) error {
	if s.failRunningUpsert && job.Status == runstore.JobRunning {
		return apperrors.Persistence("runstore.upsertJob", fmt.Errorf("disk full"))
	}
	return s.Store.UpsertJob(ctx, job)
}

func (s *failingStore) WriteJobAndResult(ctx context.Context, job *runstore.Job, result *runstore.Result) error {
	if s.failResultWrite {
		return apperrors.Persistence("runstore.writeJobAndResult", fmt.Errorf("disk full"))
	}
	return s.Store.WriteJobAndResult(ctx, job, result)
}

func TestPersistenceFailureAbortsRun(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		fail func(*failingStore)
	}{
		{"job upsert fails", func(s *failingStore) { s.failRunningUpsert = true }},
		{"result write fails", func(s *failingStore) { s.failResultWrite = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			mem := runstore.NewMemStore()
			store := &failingStore{Store: mem}
			tt.fail(store)

			svc := newTestService(store, newStubCatalog(nil), 1, 2)
			_, err := svc.StartRun(ctx, smallMatrix(), "")
			if !errors.Is(err, apperrors.ErrPersistence) {
				t.Fatalf("expected persistence error, got %v", err)
			}

			// The run is left in its last committed, resumable state.
			run, err := mem.GetRun(ctx, store.runID)
			if err != nil {
				t.Fatal(err)
			}
			if run.Terminal() {
				t.Errorf("aborted run must not be terminal, got %s", run.Status)
			}

			// Once the store is healthy again, resume finishes the run.
			healthy := newTestService(mem, newStubCatalog(nil), 2, 2)
			summary, err := healthy.ResumeRun(ctx, store.runID)
			if err != nil {
				t.Fatalf("resume failed: %v", err)
			}
			if summary.Status != runstore.RunCompleted {
				t.Errorf("resumed status = %s, want completed", summary.Status)
			}
			if summary.Succeeded != 4 || summary.Remaining != 0 {
				t.Errorf("resumed summary = %+v", summary)
			}
			verifyInvariants(t, mem, store.runID)
		})
	}
}

func TestCancelledContextDispatchesNothing(t *testing.T) {
	t.Parallel()
	store := runstore.NewMemStore()
	catalog := newStubCatalog(nil)
	svc := newTestService(store, catalog, 2, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := svc.StartRun(ctx, smallMatrix(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Succeeded != 0 || summary.Remaining != 4 {
		t.Errorf("summary = %+v", summary)
	}

	catalog.mu.Lock()
	total := 0
	for _, n := range catalog.calls {
		total += n
	}
	catalog.mu.Unlock()
	if total != 0 {
		t.Errorf("cancelled run executed %d fits, want 0", total)
	}

	// The untouched run resumes normally.
	resumed, err := svc.ResumeRun(context.Background(), summary.RunID)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if resumed.Status != runstore.RunCompleted || resumed.Succeeded != 4 {
		t.Errorf("resumed summary = %+v", resumed)
	}
}

func TestStatusReportsWithoutScheduling(t *testing.T) {
	t.Parallel()
	store := runstore.NewMemStore()
	catalog := newStubCatalog(nil)
	svc := newTestService(store, catalog, 2, 1)

	summary, err := svc.StartRun(context.Background(), smallMatrix(), "peek")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	calls := catalog.callCount("power/north/naive")

	status, err := svc.Status(context.Background(), summary.RunID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Status != runstore.RunCompleted || status.Total != 4 {
		t.Errorf("status = %+v", status)
	}
	if got := catalog.callCount("power/north/naive"); got != calls {
		t.Error("Status must not execute jobs")
	}
}
