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

// gormAPIKeyRepository is the GORM implementation of APIKeyRepository.
type gormAPIKeyRepository struct {
	db *gorm.DB
}

// NewAPIKeyRepository returns an APIKeyRepository backed by the provided *gorm.DB.
func NewAPIKeyRepository(database *gorm.DB) APIKeyRepository {
	return &gormAPIKeyRepository{db: database}
}

func (r *gormAPIKeyRepository) Create(ctx context.Context, key *db.APIKey) error {
	if err := r.db.WithContext(ctx).Create(key).Error; err != nil {
		return fmt.Errorf("apikeys: create: %w", err)
	}
	return nil
}

func (r *gormAPIKeyRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.APIKey, error) {
	var key db.APIKey
	err := r.db.WithContext(ctx).First(&key, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("apikeys: get by id: %w", err)
	}
	return &key, nil
}

func (r *gormAPIKeyRepository) GetByDigest(ctx context.Context, digest string) (*db.APIKey, error) {
	var key db.APIKey
	err := r.db.WithContext(ctx).First(&key, "digest = ?", digest).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("apikeys: get by digest: %w", err)
	}
	return &key, nil
}

func (r *gormAPIKeyRepository) ListByTenant(ctx context.Context, tenantID uuid.UUID, opts ListOptions) ([]db.APIKey, int64, error) {
	var keys []db.APIKey
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.APIKey{}).
		Where("tenant_id = ?", tenantID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("apikeys: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&keys).Error; err != nil {
		return nil, 0, fmt.Errorf("apikeys: list: %w", err)
	}

	return keys, total, nil
}

func (r *gormAPIKeyRepository) Update(ctx context.Context, key *db.APIKey) error {
	result := r.db.WithContext(ctx).Save(key)
	if result.Error != nil {
		return fmt.Errorf("apikeys: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormAPIKeyRepository) Revoke(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.APIKey{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"is_revoked": true,
			"revoked_at": at,
		})
	if result.Error != nil {
		return fmt.Errorf("apikeys: revoke: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastUsed updates only last_used_at. Called on a detached context after
// the response is written; the caller logs and ignores errors.
func (r *gormAPIKeyRepository) TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&db.APIKey{}).
		Where("id = ?", id).
		UpdateColumn("last_used_at", at).Error
	if err != nil {
		return fmt.Errorf("apikeys: touch last used: %w", err)
	}
	return nil
}

// DeleteRevokedBefore removes keys revoked before the cutoff, skipping any
// key that still has QUEUED or PROCESSING jobs referencing it.
func (r *gormAPIKeyRepository) DeleteRevokedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("is_revoked = ? AND revoked_at < ?", true, cutoff).
		Where("id NOT IN (?)", r.db.
			Model(&db.Job{}).
			Select("api_key_id").
			Where("api_key_id IS NOT NULL AND status IN ?", []string{db.JobStatusQueued, db.JobStatusProcessing})).
		Delete(&db.APIKey{})
	if result.Error != nil {
		return 0, fmt.Errorf("apikeys: delete revoked before: %w", result.Error)
	}
	return result.RowsAffected, nil
}
