// Package export collects the artifacts of a completed run into a
// self-contained directory together with a manifest of metrics.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"fitrunner/internal/apperrors"
	"fitrunner/internal/runstore"
)

// Entry is one exported model in the manifest.
type Entry struct {
	Source   string             `json:"source"`
	Region   string             `json:"region"`
	Variant  string             `json:"variant"`
	Metrics  map[string]float64 `json:"metrics"`
	Artifact string             `json:"artifact"`
}

// Manifest describes an export: what run it came from and what it contains.
type Manifest struct {
	RunID      string    `json:"run_id"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	ExportedAt time.Time `json:"exported_at"`
	Entries    []Entry   `json:"entries"`
}

// Exporter copies run artifacts out of the models directory.
type Exporter struct {
	store  runstore.Store
	dir    string
	logger *slog.Logger
}

// New creates an exporter writing under dir, one subdirectory per run.
func New(store runstore.Store, dir string, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		store:  store,
		dir:    dir,
		logger: logger.With("component", "export"),
	}
}

// Export copies every artifact of the run into <dir>/<runID> and writes a
// manifest.json next to them. Only terminal runs can be exported; a run with
// failures exports its succeeded jobs.
func (e *Exporter) Export(ctx context.Context, runID string) (*Manifest, string, error) {
	run, err := e.store.GetRun(ctx, runID)
	if errors.Is(err, runstore.ErrNotFound) {
		return nil, "", apperrors.Configuration("run", fmt.Sprintf("unknown run %q", runID))
	}
	if err != nil {
		return nil, "", err
	}
	if !run.Terminal() {
		return nil, "", apperrors.Configuration("run",
			fmt.Sprintf("run %q is %s; only completed runs can be exported", runID, run.Status))
	}

	results, err := e.store.ListResults(ctx, runID)
	if err != nil {
		return nil, "", err
	}

	dest := filepath.Join(e.dir, runID)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, "", apperrors.Persistence("export.mkdir", err)
	}

	manifest := &Manifest{
		RunID:      run.ID,
		Name:       run.Name,
		Status:     run.Status,
		ExportedAt: time.Now().UTC(),
	}
	for i := range results {
		r := &results[i]
		name := filepath.Base(r.ArtifactRef)
		if err := copyFile(r.ArtifactRef, filepath.Join(dest, name)); err != nil {
			return nil, "", apperrors.Persistence("export.copy", err)
		}
		manifest.Entries = append(manifest.Entries, Entry{
			Source:   r.Source,
			Region:   r.Region,
			Variant:  r.Variant,
			Metrics:  r.Metrics,
			Artifact: name,
		})
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", apperrors.Persistence("export.manifest", err)
	}
	if err := os.WriteFile(filepath.Join(dest, "manifest.json"), data, 0o644); err != nil {
		return nil, "", apperrors.Persistence("export.manifest", err)
	}

	e.logger.Info("Run exported",
		"run_id", runID, "models", len(manifest.Entries), "dest", dest)
	return manifest, dest, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
