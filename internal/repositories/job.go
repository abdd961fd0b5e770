package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/exportd-io/exportd/internal/db"
)

// gormJobRepository is the GORM implementation of JobRepository.
type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a JobRepository backed by the provided *gorm.DB.
func NewJobRepository(database *gorm.DB) JobRepository {
	return &gormJobRepository{db: database}
}

func (r *gormJobRepository) Create(ctx context.Context, job *db.Job) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("jobs: create: %w", err)
	}
	return nil
}

func (r *gormJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	var job db.Job
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get by id: %w", err)
	}
	return &job, nil
}

// GetForTenant scopes the lookup to a tenant so one tenant can never read
// another tenant's job through the API, even with a guessed UUID.
func (r *gormJobRepository) GetForTenant(ctx context.Context, tenantID, id uuid.UUID) (*db.Job, error) {
	var job db.Job
	err := r.db.WithContext(ctx).First(&job, "id = ? AND tenant_id = ?", id, tenantID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get for tenant: %w", err)
	}
	return &job, nil
}

func (r *gormJobRepository) List(ctx context.Context, tenantID uuid.UUID, filter JobListFilter, opts ListOptions) ([]db.Job, int64, error) {
	var jobs []db.Job
	var total int64

	q := r.db.WithContext(ctx).Model(&db.Job{}).Where("tenant_id = ?", tenantID)
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}

	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list count: %w", err)
	}

	if err := q.
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list: %w", err)
	}

	return jobs, total, nil
}

func (r *gormJobRepository) SetBrokerID(ctx context.Context, id uuid.UUID, brokerID string) error {
	err := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ?", id).
		UpdateColumn("broker_id", brokerID).Error
	if err != nil {
		return fmt.Errorf("jobs: set broker id: %w", err)
	}
	return nil
}

// MarkProcessing flips QUEUED/PROCESSING to PROCESSING and records the
// attempt. The status guard keeps a late lease from resurrecting a job the
// listener has already finalized.
func (r *gormJobRepository) MarkProcessing(ctx context.Context, id uuid.UUID, attempts int, startedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ? AND status IN ?", id, []string{db.JobStatusQueued, db.JobStatusProcessing}).
		Updates(map[string]interface{}{
			"status":     db.JobStatusProcessing,
			"attempts":   attempts,
			"started_at": startedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("jobs: mark processing: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CommitCompleted writes the terminal COMPLETED state with the result tuple.
// The status guard makes the transition monotonic: an already-terminal job is
// left untouched and the call reports ErrNotFound so the listener can treat
// the event as a duplicate.
func (r *gormJobRepository) CommitCompleted(ctx context.Context, id uuid.UUID, res db.Job, completedAt, fileExpiresAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ? AND status NOT IN ?", id, []string{db.JobStatusCompleted, db.JobStatusFailed}).
		Updates(map[string]interface{}{
			"status":           db.JobStatusCompleted,
			"progress":         100,
			"result_key":       res.ResultKey,
			"result_bytes":     res.ResultBytes,
			"result_rows":      res.ResultRows,
			"result_format":    res.ResultFormat,
			"result_url":       res.ResultURL,
			"result_url_until": res.ResultURLUntil,
			"error":            "",
			"completed_at":     completedAt,
			"file_expires_at":  fileExpiresAt,
		})
	if result.Error != nil {
		return fmt.Errorf("jobs: commit completed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormJobRepository) CommitFailed(ctx context.Context, id uuid.UUID, errMsg string, completedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ? AND status NOT IN ?", id, []string{db.JobStatusCompleted, db.JobStatusFailed}).
		Updates(map[string]interface{}{
			"status":       db.JobStatusFailed,
			"error":        errMsg,
			"completed_at": completedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("jobs: commit failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormJobRepository) RecordAttemptFailure(ctx context.Context, id uuid.UUID, attempts int, errMsg string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ? AND status NOT IN ?", id, []string{db.JobStatusCompleted, db.JobStatusFailed}).
		Updates(map[string]interface{}{
			"attempts": attempts,
			"error":    errMsg,
		})
	if result.Error != nil {
		return fmt.Errorf("jobs: record attempt failure: %w", result.Error)
	}
	return nil
}

// UpdateProgress persists the maximum of the stored and reported values so
// coalesced or reordered progress events never move the bar backwards.
func (r *gormJobRepository) UpdateProgress(ctx context.Context, id uuid.UUID, progress int) error {
	err := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ? AND progress < ? AND status NOT IN ?", id, progress,
			[]string{db.JobStatusCompleted, db.JobStatusFailed}).
		UpdateColumn("progress", progress).Error
	if err != nil {
		return fmt.Errorf("jobs: update progress: %w", err)
	}
	return nil
}

// SweepGhosts finalizes QUEUED rows whose broker enqueue never produced
// events. The cutoff keeps the sweep far behind any honest retry envelope.
func (r *gormJobRepository) SweepGhosts(ctx context.Context, cutoff time.Time, reason string) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("status = ? AND created_at < ?", db.JobStatusQueued, cutoff).
		Updates(map[string]interface{}{
			"status":       db.JobStatusFailed,
			"error":        reason,
			"completed_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("jobs: sweep ghosts: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (r *gormJobRepository) ListPurgeable(ctx context.Context, completedBefore, now time.Time, limit int) ([]db.Job, error) {
	var jobs []db.Job
	err := r.db.WithContext(ctx).
		Where("completed_at IS NOT NULL AND completed_at < ?", completedBefore).
		Where("file_expires_at IS NOT NULL AND file_expires_at < ?", now).
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("jobs: list purgeable: %w", err)
	}
	return jobs, nil
}

func (r *gormJobRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Job{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("jobs: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormJobRepository) CountActiveByAPIKey(ctx context.Context, apiKeyID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("api_key_id = ? AND status IN ?", apiKeyID, []string{db.JobStatusQueued, db.JobStatusProcessing}).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("jobs: count active by api key: %w", err)
	}
	return count, nil
}
