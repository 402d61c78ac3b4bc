package matrix

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"fitrunner/internal/apperrors"
)

// definitionFile is the YAML wire form of a Definition. Durations are plain
// strings ("10m", "1h30m") so the file stays hand-editable.
type definitionFile struct {
	Sources  []string `yaml:"sources"`
	Regions  []string `yaml:"regions"`
	Variants []string `yaml:"variants"`

	Workers     int    `yaml:"workers"`
	MaxAttempts int    `yaml:"max_attempts"`
	JobTimeout  string `yaml:"job_timeout"`
}

// LoadFile reads and validates a matrix definition from a YAML file.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Configuration("matrix", fmt.Sprintf("read %s: %v", path, err))
	}
	return Parse(data)
}

// Parse decodes and validates a YAML matrix definition.
func Parse(data []byte) (*Definition, error) {
	var file definitionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, apperrors.Configuration("matrix", fmt.Sprintf("parse yaml: %v", err))
	}

	def := &Definition{
		Sources:     file.Sources,
		Regions:     file.Regions,
		Variants:    file.Variants,
		Workers:     file.Workers,
		MaxAttempts: file.MaxAttempts,
	}
	if file.JobTimeout != "" {
		d, err := time.ParseDuration(file.JobTimeout)
		if err != nil {
			return nil, apperrors.Configuration("job_timeout", fmt.Sprintf("invalid duration %q", file.JobTimeout))
		}
		def.JobTimeout = d
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}
