package fit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fitrunner/internal/apperrors"
)

// Worker executes exactly one (source, region, variant) job. It is pure
// with respect to orchestrator state: it reads its spec, calls the dataset
// provider and the catalog, and returns an outcome. It never touches the
// run store and never lets an error or panic escape to the pool.
type Worker struct {
	provider DatasetProvider
	catalog  Catalog
	timeout  time.Duration // per-job budget, 0 to disable
	logger   *slog.Logger
}

// NewWorker creates a fit worker.
func NewWorker(provider DatasetProvider, catalog Catalog, timeout time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		provider: provider,
		catalog:  catalog,
		timeout:  timeout,
		logger:   logger.With("component", "worker"),
	}
}

// Execute runs one job and always returns a terminal outcome. Timeouts are
// cooperative: the context deadline is observed between sub-steps and by
// context-aware fit implementations; running fits are not forcibly killed.
func (w *Worker) Execute(ctx context.Context, spec Spec) (out Outcome) {
	start := time.Now()
	out = Outcome{Spec: spec, Status: OutcomeFailed}

	defer func() {
		out.Elapsed = time.Since(start)
		if r := recover(); r != nil {
			out.Status = OutcomeFailed
			out.Metrics = nil
			out.ArtifactRef = ""
			out.Err = apperrors.Fit(spec.Key.Variant, fmt.Errorf("panic: %v", r))
			w.logger.Error("Fit panicked", "job", spec.Key.String(), "panic", r)
		}
	}()

	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	ds, err := w.provider.Dataset(ctx, spec.Key.Source, spec.Key.Region)
	if err != nil {
		out.Err = w.classify(spec, err)
		return out
	}

	artifactRef, metrics, err := w.catalog.Fit(ctx, spec.Key.Variant, ds)
	if err != nil {
		out.Err = w.classify(spec, err)
		return out
	}

	out.Status = OutcomeSucceeded
	out.Metrics = metrics
	out.ArtifactRef = artifactRef
	return out
}

// classify maps provider/catalog errors onto the per-job taxonomy. Errors
// already carrying a classification pass through unchanged.
func (w *Worker) classify(spec Spec, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.Timeout("fit "+spec.Key.String(), w.timeout)
	case errors.Is(err, apperrors.ErrDataUnavailable),
		errors.Is(err, apperrors.ErrFit),
		errors.Is(err, apperrors.ErrTimeout):
		return err
	default:
		return apperrors.Fit(spec.Key.Variant, err)
	}
}
