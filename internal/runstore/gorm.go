package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"fitrunner/internal/apperrors"
	"fitrunner/internal/fit"
)

// runModel maps to the runs table.
type runModel struct {
	RunID       string `gorm:"primaryKey"`
	Name        string
	Status      string `gorm:"index"`
	CreatedAt   time.Time
	CompletedAt *time.Time
}

func (runModel) TableName() string { return "runs" }

// jobModel maps to the jobs table. (run_id, source, region, variant) is the
// composite unique key the upsert targets.
type jobModel struct {
	ID           uint   `gorm:"primaryKey"`
	RunID        string `gorm:"index;uniqueIndex:idx_run_job,priority:1"`
	Source       string `gorm:"uniqueIndex:idx_run_job,priority:2"`
	Region       string `gorm:"uniqueIndex:idx_run_job,priority:3"`
	Variant      string `gorm:"uniqueIndex:idx_run_job,priority:4"`
	Status       string `gorm:"index"`
	AttemptCount int
	ErrorMessage string `gorm:"type:text"`
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

func (jobModel) TableName() string { return "jobs" }

// resultModel maps to the results table, 1:1 with jobs.
type resultModel struct {
	JobID       uint   `gorm:"primaryKey"`
	MetricsJSON string `gorm:"type:text"`
	ArtifactRef string
}

func (resultModel) TableName() string { return "results" }

// GormStore is the durable Store implementation backed by GORM.
type GormStore struct {
	db *gorm.DB
}

// OpenSQLite opens (and migrates) a SQLite-backed store at path.
func OpenSQLite(path string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, apperrors.Persistence("runstore.open", err)
	}
	return NewGorm(db)
}

// NewGorm wraps an existing GORM handle and migrates the schema.
func NewGorm(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&runModel{}, &jobModel{}, &resultModel{}); err != nil {
		return nil, apperrors.Persistence("runstore.migrate", err)
	}
	return &GormStore{db: db}, nil
}

// CreateRun implements Store.
func (s *GormStore) CreateRun(ctx context.Context, run *Run) error {
	m := runModel{
		RunID:       run.ID,
		Name:        run.Name,
		Status:      run.Status,
		CreatedAt:   run.CreatedAt,
		CompletedAt: run.CompletedAt,
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return apperrors.Persistence("runstore.createRun", err)
	}
	return nil
}

// GetRun implements Store.
func (s *GormStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	var m runModel
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperrors.Persistence("runstore.getRun", err)
	}
	return &Run{
		ID:          m.RunID,
		Name:        m.Name,
		Status:      m.Status,
		CreatedAt:   m.CreatedAt,
		CompletedAt: m.CompletedAt,
	}, nil
}

// UpdateRunStatus implements Store.
func (s *GormStore) UpdateRunStatus(ctx context.Context, runID, status string) error {
	res := s.db.WithContext(ctx).Model(&runModel{}).
		Where("run_id = ?", runID).
		Update("status", status)
	if res.Error != nil {
		return apperrors.Persistence("runstore.updateRunStatus", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteRun implements Store.
func (s *GormStore) CompleteRun(ctx context.Context, runID, status string, completedAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&runModel{}).
		Where("run_id = ?", runID).
		Updates(map[string]any{"status": status, "completed_at": completedAt})
	if res.Error != nil {
		return apperrors.Persistence("runstore.completeRun", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertJob implements Store.
func (s *GormStore) UpsertJob(ctx context.Context, job *Job) error {
	if err := s.upsertJobTx(s.db.WithContext(ctx), job); err != nil {
		return apperrors.Persistence("runstore.upsertJob", err)
	}
	return nil
}

// upsertJobTx inserts or replaces the job row on (run, key) and returns via
// the model's assigned primary key.
func (s *GormStore) upsertJobTx(tx *gorm.DB, job *Job) error {
	m := jobModel{
		RunID:        job.RunID,
		Source:       job.Source,
		Region:       job.Region,
		Variant:      job.Variant,
		Status:       job.Status,
		AttemptCount: job.AttemptCount,
		ErrorMessage: job.ErrorMessage,
		StartedAt:    job.StartedAt,
		FinishedAt:   job.FinishedAt,
	}
	return tx.
		Where("run_id = ? AND source = ? AND region = ? AND variant = ?",
			job.RunID, job.Source, job.Region, job.Variant).
		Assign(map[string]any{
			"status":        m.Status,
			"attempt_count": m.AttemptCount,
			"error_message": m.ErrorMessage,
			"started_at":    m.StartedAt,
			"finished_at":   m.FinishedAt,
		}).
		FirstOrCreate(&m).Error
}

// WriteJobAndResult implements Store: job status and result land in one
// transaction so that "result exists iff job succeeded" holds at every
// commit point.
func (s *GormStore) WriteJobAndResult(ctx context.Context, job *Job, result *Result) error {
	metricsJSON, err := json.Marshal(result.Metrics)
	if err != nil {
		return apperrors.Persistence("runstore.writeJobAndResult", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.upsertJobTx(tx, job); err != nil {
			return err
		}
		var m jobModel
		if err := tx.
			Where("run_id = ? AND source = ? AND region = ? AND variant = ?",
				job.RunID, job.Source, job.Region, job.Variant).
			First(&m).Error; err != nil {
			return err
		}
		return tx.Save(&resultModel{
			JobID:       m.ID,
			MetricsJSON: string(metricsJSON),
			ArtifactRef: result.ArtifactRef,
		}).Error
	})
	if err != nil {
		return apperrors.Persistence("runstore.writeJobAndResult", err)
	}
	return nil
}

// ListJobs implements Store.
func (s *GormStore) ListJobs(ctx context.Context, runID string) ([]Job, error) {
	var list []jobModel
	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id").
		Find(&list).Error
	if err != nil {
		return nil, apperrors.Persistence("runstore.listJobs", err)
	}
	out := make([]Job, 0, len(list))
	for _, m := range list {
		out = append(out, Job{
			RunID:        m.RunID,
			Source:       m.Source,
			Region:       m.Region,
			Variant:      m.Variant,
			Status:       m.Status,
			AttemptCount: m.AttemptCount,
			ErrorMessage: m.ErrorMessage,
			StartedAt:    m.StartedAt,
			FinishedAt:   m.FinishedAt,
		})
	}
	return out, nil
}

// ListResults implements Store.
func (s *GormStore) ListResults(ctx context.Context, runID string) ([]Result, error) {
	type row struct {
		RunID       string
		Source      string
		Region      string
		Variant     string
		MetricsJSON string
		ArtifactRef string
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Table("jobs").
		Select("jobs.run_id, jobs.source, jobs.region, jobs.variant, results.metrics_json, results.artifact_ref").
		Joins("JOIN results ON results.job_id = jobs.id").
		Where("jobs.run_id = ?", runID).
		Order("jobs.id").
		Scan(&rows).Error
	if err != nil {
		return nil, apperrors.Persistence("runstore.listResults", err)
	}
	out := make([]Result, 0, len(rows))
	for _, r := range rows {
		res, err := toResult(r.RunID, r.Source, r.Region, r.Variant, r.MetricsJSON, r.ArtifactRef)
		if err != nil {
			return nil, err
		}
		out = append(out, *res)
	}
	return out, nil
}

// GetResult implements Store.
func (s *GormStore) GetResult(ctx context.Context, runID string, key fit.Key) (*Result, error) {
	var m jobModel
	err := s.db.WithContext(ctx).
		Where("run_id = ? AND source = ? AND region = ? AND variant = ?",
			runID, key.Source, key.Region, key.Variant).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperrors.Persistence("runstore.getResult", err)
	}

	var r resultModel
	err = s.db.WithContext(ctx).Where("job_id = ?", m.ID).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperrors.Persistence("runstore.getResult", err)
	}
	return toResult(runID, key.Source, key.Region, key.Variant, r.MetricsJSON, r.ArtifactRef)
}

// Close implements Store.
func (s *GormStore) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return apperrors.Persistence("runstore.close", err)
	}
	return db.Close()
}

func toResult(runID, source, region, variant, metricsJSON, artifactRef string) (*Result, error) {
	metrics := map[string]float64{}
	if metricsJSON != "" {
		if err := json.Unmarshal([]byte(metricsJSON), &metrics); err != nil {
			return nil, apperrors.Persistence("runstore.decodeMetrics", err)
		}
	}
	return &Result{
		RunID:       runID,
		Source:      source,
		Region:      region,
		Variant:     variant,
		Metrics:     metrics,
		ArtifactRef: artifactRef,
	}, nil
}

// Verify GormStore implements Store
var _ Store = (*GormStore)(nil)
