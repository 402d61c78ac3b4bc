// Package fit defines the unit of fitting work, the contracts the
// orchestrator consumes (dataset provider, model catalog) and the worker
// that executes a single job.
package fit

import (
	"fmt"
	"time"
)

// Key uniquely identifies a job within a run.
type Key struct {
	Source  string
	Region  string
	Variant string
}

// String returns the canonical source/region/variant form.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Source, k.Region, k.Variant)
}

// Spec is one unit of fitting work handed to a worker.
type Spec struct {
	RunID   string
	Key     Key
	Attempt int // 1-based execution try
}

// Outcome status constants.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

// Outcome is the structured result of executing one job. A failed outcome
// carries a classified error; a succeeded outcome carries metrics and an
// artifact reference.
type Outcome struct {
	Spec        Spec
	Status      string
	Metrics     map[string]float64
	ArtifactRef string
	Err         error
	Elapsed     time.Duration
}

// Dataset is a ready-to-fit training series for one (source, region) key.
// Times and Values are parallel slices in ascending time order.
type Dataset struct {
	Source string
	Region string
	Times  []time.Time
	Values []float64
}

// Len returns the number of observations.
func (d *Dataset) Len() int {
	return len(d.Values)
}

// VariantSpec names a model configuration exposed by a catalog.
type VariantSpec struct {
	Name    string
	Options map[string]string
}
