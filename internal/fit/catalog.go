package fit

import "context"

// Catalog enumerates available model variants and fits them. The
// orchestrator does not own the catalog's internals: fit implementations
// persist their own artifacts and return an opaque reference.
//
// Implementations must tolerate concurrent Fit calls from multiple
// workers.
type Catalog interface {
	// Variants returns the available model variants in a stable order.
	Variants() []VariantSpec

	// Fit trains the named variant on the dataset and returns an artifact
	// reference plus metric values keyed by metric name.
	Fit(ctx context.Context, variant string, ds *Dataset) (artifactRef string, metrics map[string]float64, err error)
}
