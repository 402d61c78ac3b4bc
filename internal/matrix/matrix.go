// Package matrix defines the job matrix of a run: the cross product of data
// sources, regions and model variants, enumerated in a deterministic order.
package matrix

import (
	"fmt"
	"time"

	"fitrunner/internal/apperrors"
	"fitrunner/internal/fit"
)

// Definition is the declarative shape of a run: the three axes plus optional
// execution overrides. Zero overrides mean "use the runner config".
type Definition struct {
	Sources  []string
	Regions  []string
	Variants []string

	Workers     int
	MaxAttempts int
	JobTimeout  time.Duration
}

// Validate checks that every axis is non-empty and free of duplicates.
func (d *Definition) Validate() error {
	axes := []struct {
		name   string
		values []string
	}{
		{"sources", d.Sources},
		{"regions", d.Regions},
		{"variants", d.Variants},
	}
	for _, axis := range axes {
		if len(axis.values) == 0 {
			return apperrors.Configuration(axis.name, "axis must not be empty")
		}
		seen := make(map[string]struct{}, len(axis.values))
		for _, v := range axis.values {
			if v == "" {
				return apperrors.Configuration(axis.name, "axis values must not be empty strings")
			}
			if _, dup := seen[v]; dup {
				return apperrors.Configuration(axis.name, fmt.Sprintf("duplicate value %q", v))
			}
			seen[v] = struct{}{}
		}
	}
	if d.Workers < 0 {
		return apperrors.Configuration("workers", "must not be negative")
	}
	if d.MaxAttempts < 0 {
		return apperrors.Configuration("max_attempts", "must not be negative")
	}
	if d.JobTimeout < 0 {
		return apperrors.Configuration("job_timeout", "must not be negative")
	}
	return nil
}

// Size returns the number of jobs the definition enumerates.
func (d *Definition) Size() int {
	return len(d.Sources) * len(d.Regions) * len(d.Variants)
}

// Build enumerates the full cross product. The order is fixed: sources
// outermost, then regions, then variants, each axis in declaration order.
// Identical definitions always produce identical job sequences.
func Build(d *Definition) ([]fit.Key, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	keys := make([]fit.Key, 0, d.Size())
	for _, source := range d.Sources {
		for _, region := range d.Regions {
			for _, variant := range d.Variants {
				keys = append(keys, fit.Key{Source: source, Region: region, Variant: variant})
			}
		}
	}
	return keys, nil
}
