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

// gormScheduleRepository is the GORM implementation of ScheduleRepository.
type gormScheduleRepository struct {
	db *gorm.DB
}

// NewScheduleRepository returns a ScheduleRepository backed by the provided *gorm.DB.
func NewScheduleRepository(database *gorm.DB) ScheduleRepository {
	return &gormScheduleRepository{db: database}
}

func (r *gormScheduleRepository) Create(ctx context.Context, schedule *db.Schedule) error {
	if err := r.db.WithContext(ctx).Create(schedule).Error; err != nil {
		return fmt.Errorf("schedules: create: %w", err)
	}
	return nil
}

func (r *gormScheduleRepository) GetForTenant(ctx context.Context, tenantID, id uuid.UUID) (*db.Schedule, error) {
	var schedule db.Schedule
	err := r.db.WithContext(ctx).First(&schedule, "id = ? AND tenant_id = ?", id, tenantID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("schedules: get for tenant: %w", err)
	}
	return &schedule, nil
}

func (r *gormScheduleRepository) ListByTenant(ctx context.Context, tenantID uuid.UUID, opts ListOptions) ([]db.Schedule, int64, error) {
	var schedules []db.Schedule
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.Schedule{}).
		Where("tenant_id = ?", tenantID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("schedules: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&schedules).Error; err != nil {
		return nil, 0, fmt.Errorf("schedules: list: %w", err)
	}

	return schedules, total, nil
}

func (r *gormScheduleRepository) Update(ctx context.Context, schedule *db.Schedule) error {
	result := r.db.WithContext(ctx).Save(schedule)
	if result.Error != nil {
		return fmt.Errorf("schedules: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormScheduleRepository) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Schedule{}, "id = ? AND tenant_id = ?", id, tenantID)
	if result.Error != nil {
		return fmt.Errorf("schedules: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDue returns active schedules ready to fire, oldest next_run_at first so
// the most overdue schedule is materialized before fresher ones.
func (r *gormScheduleRepository) ListDue(ctx context.Context, now time.Time) ([]db.Schedule, error) {
	var schedules []db.Schedule
	err := r.db.WithContext(ctx).
		Where("active = ? AND next_run_at IS NOT NULL AND next_run_at <= ?", true, now).
		Order("next_run_at ASC").
		Find(&schedules).Error
	if err != nil {
		return nil, fmt.Errorf("schedules: list due: %w", err)
	}
	return schedules, nil
}

func (r *gormScheduleRepository) UpdateRun(ctx context.Context, id uuid.UUID, lastRun, nextRun time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Schedule{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_run_at": lastRun,
			"next_run_at": nextRun,
		})
	if result.Error != nil {
		return fmt.Errorf("schedules: update run: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
