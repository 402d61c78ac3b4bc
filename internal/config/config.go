// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// RunnerConfig holds configuration for the fitting orchestrator.
type RunnerConfig struct {
	StorePath   string        // SQLite database file for the run store
	DataDir     string        // per-source/per-region training series
	ModelsDir   string        // fitted model artifacts
	ExportDir   string        // default export destination root
	Workers     int           // concurrent fit workers (W)
	MaxAttempts int           // attempts per job before it is terminal failed
	JobTimeout  time.Duration // per-job time budget (0 to disable)
	MetricsPort string        // Prometheus metrics port ("" to disable)
	Debug       bool          // enable debug-level logging
}

// LoadRunnerConfig loads runner configuration from environment variables.
func LoadRunnerConfig() *RunnerConfig {
	cfg := &RunnerConfig{
		StorePath:   GetEnv("FITRUNNER_STORE", "data/fitrunner.db"),
		DataDir:     GetEnv("FITRUNNER_DATA_DIR", "data/series"),
		ModelsDir:   GetEnv("FITRUNNER_MODELS_DIR", "data/models"),
		ExportDir:   GetEnv("FITRUNNER_EXPORT_DIR", "data/export"),
		Workers:     GetIntEnv("FITRUNNER_WORKERS", 8),
		MaxAttempts: GetIntEnv("FITRUNNER_MAX_ATTEMPTS", 2),
		JobTimeout:  GetDurationEnv("FITRUNNER_JOB_TIMEOUT", 30*time.Minute),
		MetricsPort: GetEnv("FITRUNNER_METRICS_PORT", ""),
		Debug:       GetBoolEnv("FITRUNNER_DEBUG", false),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero or nonsensical values with defaults.
func (c *RunnerConfig) withDefaults() *RunnerConfig {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.JobTimeout < 0 {
		c.JobTimeout = 0
	}
	return c
}
