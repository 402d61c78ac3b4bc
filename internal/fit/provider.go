package fit

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"fitrunner/internal/apperrors"
)

// DatasetProvider produces a ready-to-fit dataset for a (source, region)
// key. Implementations must be safe for concurrent use: multiple workers
// call Dataset without coordination.
type DatasetProvider interface {
	Dataset(ctx context.Context, source, region string) (*Dataset, error)
}

// FileProvider reads training series from CSV files laid out as
// <dir>/<source>/<region>.csv with rows of "timestamp,value"
// (RFC 3339 timestamps, ascending).
type FileProvider struct {
	dir string
}

// NewFileProvider creates a provider rooted at dir.
func NewFileProvider(dir string) *FileProvider {
	return &FileProvider{dir: dir}
}

// Dataset implements DatasetProvider. Missing or malformed files are
// reported as DataUnavailable errors.
func (p *FileProvider) Dataset(ctx context.Context, source, region string) (*Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(p.dir, source, region+".csv")
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.DataUnavailable(source, region, err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, apperrors.DataUnavailable(source, region, err)
	}
	if len(rows) == 0 {
		return nil, apperrors.DataUnavailable(source, region, fmt.Errorf("empty series in %s", path))
	}

	ds := &Dataset{
		Source: source,
		Region: region,
		Times:  make([]time.Time, 0, len(rows)),
		Values: make([]float64, 0, len(rows)),
	}
	for i, row := range rows {
		if len(row) < 2 {
			return nil, apperrors.DataUnavailable(source, region, fmt.Errorf("row %d: want timestamp,value", i+1))
		}
		ts, err := time.Parse(time.RFC3339, row[0])
		if err != nil {
			return nil, apperrors.DataUnavailable(source, region, fmt.Errorf("row %d: %w", i+1, err))
		}
		v, err := strconv.ParseFloat(row[1], 64)
		if err != nil {
			return nil, apperrors.DataUnavailable(source, region, fmt.Errorf("row %d: %w", i+1, err))
		}
		ds.Times = append(ds.Times, ts)
		ds.Values = append(ds.Values, v)
	}
	return ds, nil
}

// Verify FileProvider implements DatasetProvider
var _ DatasetProvider = (*FileProvider)(nil)
