package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/exportd-io/exportd/internal/db"
)

// gormAuditRepository is the GORM implementation of AuditRepository.
//
// Writes go through the normal session, which enforces the insert-only guard.
// AnonymizeTenant and DeleteOlderThan run on db.Privileged — the only two
// sanctioned mutation paths for audit rows.
type gormAuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository returns an AuditRepository backed by the provided *gorm.DB.
func NewAuditRepository(database *gorm.DB) AuditRepository {
	return &gormAuditRepository{db: database}
}

func (r *gormAuditRepository) Create(ctx context.Context, entry *db.AuditLog) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("audit: create: %w", err)
	}
	return nil
}

func (r *gormAuditRepository) List(ctx context.Context, tenantID uuid.UUID, filter AuditListFilter, opts ListOptions) ([]db.AuditLog, int64, error) {
	var entries []db.AuditLog
	var total int64

	q := r.db.WithContext(ctx).Model(&db.AuditLog{}).Where("tenant_id = ?", tenantID)
	if filter.Action != "" {
		q = q.Where("action = ?", filter.Action)
	}
	if filter.TargetType != "" {
		q = q.Where("target_type = ?", filter.TargetType)
	}

	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("audit: list count: %w", err)
	}

	if err := q.
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("audit: list: %w", err)
	}

	return entries, total, nil
}

// AnonymizeTenant rewrites every entry for the tenant: the tenant reference
// becomes anonID (derived from a salted hash, never the real id), the actor
// becomes its hashed replacement, ip and metadata are cleared. Uses the
// privileged session because audit rows are otherwise immutable. The hooks do
// not fire for batch updates on a model without loaded instances, so the
// privileged session also documents intent for readers and future guards.
func (r *gormAuditRepository) AnonymizeTenant(ctx context.Context, tenantID, anonID uuid.UUID, actor string) (int64, error) {
	result := db.Privileged(r.db).WithContext(ctx).
		Model(&db.AuditLog{}).
		Where("tenant_id = ?", tenantID).
		Updates(map[string]interface{}{
			"tenant_id": anonID,
			"actor":     actor,
			"ip":        "",
			"metadata":  "{}",
		})
	if result.Error != nil {
		return 0, fmt.Errorf("audit: anonymize tenant: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteOlderThan purges entries past the retention window on the privileged
// session.
func (r *gormAuditRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := db.Privileged(r.db).WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&db.AuditLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("audit: delete older than: %w", result.Error)
	}
	return result.RowsAffected, nil
}
