package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/exportd-io/exportd/internal/db"
)

// gormUsageRepository is the GORM implementation of UsageRepository.
type gormUsageRepository struct {
	db *gorm.DB
}

// NewUsageRepository returns a UsageRepository backed by the provided *gorm.DB.
func NewUsageRepository(database *gorm.DB) UsageRepository {
	return &gormUsageRepository{db: database}
}

// Record inserts the usage row, relying on the job_id unique index for
// idempotency. ON CONFLICT DO NOTHING makes a duplicate event a silent no-op
// instead of an error, so the listener can re-process broker events freely.
func (r *gormUsageRepository) Record(ctx context.Context, rec *db.UsageRecord) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}},
			DoNothing: true,
		}).
		Create(rec).Error
	if err != nil {
		return fmt.Errorf("usage: record: %w", err)
	}
	return nil
}

func (r *gormUsageRepository) MonthlyRows(ctx context.Context, tenantID uuid.UUID, period string) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&db.UsageRecord{}).
		Where("tenant_id = ? AND period = ?", tenantID, period).
		Select("COALESCE(SUM(rows), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("usage: monthly rows: %w", err)
	}
	return total, nil
}
