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

// gormTenantRepository is the GORM implementation of TenantRepository.
type gormTenantRepository struct {
	db *gorm.DB
}

// NewTenantRepository returns a TenantRepository backed by the provided *gorm.DB.
func NewTenantRepository(database *gorm.DB) TenantRepository {
	return &gormTenantRepository{db: database}
}

func (r *gormTenantRepository) Create(ctx context.Context, tenant *db.Tenant) error {
	if err := r.db.WithContext(ctx).Create(tenant).Error; err != nil {
		return fmt.Errorf("tenants: create: %w", err)
	}
	return nil
}

func (r *gormTenantRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Tenant, error) {
	var tenant db.Tenant
	err := r.db.WithContext(ctx).First(&tenant, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tenants: get by id: %w", err)
	}
	return &tenant, nil
}

func (r *gormTenantRepository) GetByEmail(ctx context.Context, email string) (*db.Tenant, error) {
	var tenant db.Tenant
	err := r.db.WithContext(ctx).First(&tenant, "contact_email = ?", email).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tenants: get by email: %w", err)
	}
	return &tenant, nil
}

func (r *gormTenantRepository) Update(ctx context.Context, tenant *db.Tenant) error {
	result := r.db.WithContext(ctx).Save(tenant)
	if result.Error != nil {
		return fmt.Errorf("tenants: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the tenant row. Dependent rows (jobs, keys, schedules,
// usage, deliveries, sessions, team members, accounts) are removed by the
// ON DELETE CASCADE foreign keys declared in the migration. Audit entries
// are deliberately not cascaded — erasure anonymizes them instead.
func (r *gormTenantRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Tenant{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("tenants: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordWebhookSuccess zeroes the circuit-breaker counter. Last-write-wins:
// a concurrent failure increment that loses the race costs one extra retry,
// which the threshold of 10 absorbs.
func (r *gormTenantRepository) RecordWebhookSuccess(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Tenant{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"webhook_failures":     0,
			"webhook_last_success": at,
		})
	if result.Error != nil {
		return fmt.Errorf("tenants: record webhook success: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormTenantRepository) RecordWebhookFailure(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&db.Tenant{}).
		Where("id = ?", id).
		UpdateColumn("webhook_failures", gorm.Expr("webhook_failures + 1"))
	if result.Error != nil {
		return fmt.Errorf("tenants: record webhook failure: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
