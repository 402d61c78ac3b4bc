// Package forecast provides the built-in model catalog: simple forecasting
// variants fitted on a training split and scored on a holdout split.
// Fitted coefficients are persisted as JSON artifacts; the orchestrator only
// ever sees the artifact path.
package forecast

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"fitrunner/internal/apperrors"
	"fitrunner/internal/fit"
)

// Variant names exposed by the built-in catalog.
const (
	VariantNaive  = "naive"
	VariantLinear = "linear"
)

// minObservations is the smallest series the catalog will fit: enough for a
// non-degenerate train/holdout split.
const minObservations = 12

// Catalog is the built-in fit.Catalog implementation. Artifacts are written
// under dir, one JSON file per (source, region, variant).
type Catalog struct {
	dir string
}

// NewCatalog creates a catalog writing artifacts under dir.
func NewCatalog(dir string) *Catalog {
	return &Catalog{dir: dir}
}

// Variants implements fit.Catalog.
func (c *Catalog) Variants() []fit.VariantSpec {
	return []fit.VariantSpec{
		{Name: VariantNaive, Options: map[string]string{"season": "hour-of-day"}},
		{Name: VariantLinear, Options: map[string]string{"method": "least-squares"}},
	}
}

// predictor maps an observation index (and its timestamp) to a forecast.
type predictor func(i int, ts time.Time) float64

// artifact is the persisted form of a fitted model.
type artifact struct {
	Variant     string             `json:"variant"`
	Source      string             `json:"source"`
	Region      string             `json:"region"`
	FittedAt    time.Time          `json:"fitted_at"`
	TrainSize   int                `json:"train_size"`
	HoldoutSize int                `json:"holdout_size"`
	Params      map[string]any     `json:"params"`
	Metrics     map[string]float64 `json:"metrics"`
}

// Fit implements fit.Catalog. The series is split 80/20 into train and
// holdout; metrics are computed on the holdout only.
func (c *Catalog) Fit(ctx context.Context, variant string, ds *fit.Dataset) (string, map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	if ds.Len() < minObservations {
		return "", nil, apperrors.Fit(variant, fmt.Errorf("series %s/%s too short: %d observations, need %d",
			ds.Source, ds.Region, ds.Len(), minObservations))
	}

	split := ds.Len() * 4 / 5
	train := &fit.Dataset{Source: ds.Source, Region: ds.Region, Values: ds.Values[:split]}
	if len(ds.Times) == ds.Len() {
		train.Times = ds.Times[:split]
	}

	var (
		predict predictor
		params  map[string]any
		err     error
	)
	switch variant {
	case VariantNaive:
		predict, params = fitNaive(train)
	case VariantLinear:
		predict, params, err = fitLinear(train)
	default:
		return "", nil, apperrors.Fit(variant, fmt.Errorf("unknown variant"))
	}
	if err != nil {
		return "", nil, apperrors.Fit(variant, err)
	}

	metrics := holdoutMetrics(ds, split, predict)
	metrics["train_size"] = float64(split)
	metrics["holdout_size"] = float64(ds.Len() - split)

	path, err := c.writeArtifact(&artifact{
		Variant:     variant,
		Source:      ds.Source,
		Region:      ds.Region,
		FittedAt:    time.Now().UTC(),
		TrainSize:   split,
		HoldoutSize: ds.Len() - split,
		Params:      params,
		Metrics:     metrics,
	})
	if err != nil {
		return "", nil, apperrors.Fit(variant, err)
	}
	return path, metrics, nil
}

// holdoutMetrics computes MAE and RMSE of predict over the holdout window.
func holdoutMetrics(ds *fit.Dataset, split int, predict predictor) map[string]float64 {
	var absSum, sqSum float64
	n := ds.Len() - split
	for i := split; i < ds.Len(); i++ {
		var ts time.Time
		if len(ds.Times) == ds.Len() {
			ts = ds.Times[i]
		}
		diff := predict(i, ts) - ds.Values[i]
		absSum += math.Abs(diff)
		sqSum += diff * diff
	}
	return map[string]float64{
		"mae":  absSum / float64(n),
		"rmse": math.Sqrt(sqSum / float64(n)),
	}
}

// fitNaive computes hour-of-day means over the training window. Without
// timestamps it degrades to the overall mean.
func fitNaive(train *fit.Dataset) (predictor, map[string]any) {
	var total float64
	for _, v := range train.Values {
		total += v
	}
	mean := total / float64(len(train.Values))

	if len(train.Times) != len(train.Values) {
		return func(int, time.Time) float64 { return mean },
			map[string]any{"mean": mean}
	}

	var sums, counts [24]float64
	for i, v := range train.Values {
		h := train.Times[i].Hour()
		sums[h] += v
		counts[h]++
	}
	hourly := make([]float64, 24)
	for h := range hourly {
		if counts[h] > 0 {
			hourly[h] = sums[h] / counts[h]
		} else {
			hourly[h] = mean
		}
	}

	predict := func(_ int, ts time.Time) float64 {
		if ts.IsZero() {
			return mean
		}
		return hourly[ts.Hour()]
	}
	return predict, map[string]any{"mean": mean, "hourly_means": hourly}
}

// fitLinear fits y = intercept + slope*i by ordinary least squares over the
// training indexes.
func fitLinear(train *fit.Dataset) (predictor, map[string]any, error) {
	n := float64(len(train.Values))
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range train.Values {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return nil, nil, fmt.Errorf("degenerate series: zero variance in index")
	}
	slope := (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n

	predict := func(i int, _ time.Time) float64 {
		return intercept + slope*float64(i)
	}
	return predict, map[string]any{"intercept": intercept, "slope": slope}, nil
}

// writeArtifact persists the fitted model as an indented JSON file and
// returns its path.
func (c *Catalog) writeArtifact(a *artifact) (string, error) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(c.dir, fmt.Sprintf("%s-%s-%s.json", a.Source, a.Region, a.Variant))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Verify Catalog implements fit.Catalog
var _ fit.Catalog = (*Catalog)(nil)
