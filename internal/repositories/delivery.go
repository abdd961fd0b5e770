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

// gormDeliveryRepository is the GORM implementation of DeliveryRepository.
type gormDeliveryRepository struct {
	db *gorm.DB
}

// NewDeliveryRepository returns a DeliveryRepository backed by the provided *gorm.DB.
func NewDeliveryRepository(database *gorm.DB) DeliveryRepository {
	return &gormDeliveryRepository{db: database}
}

func (r *gormDeliveryRepository) Create(ctx context.Context, d *db.WebhookDelivery) error {
	if err := r.db.WithContext(ctx).Create(d).Error; err != nil {
		return fmt.Errorf("deliveries: create: %w", err)
	}
	return nil
}

func (r *gormDeliveryRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.WebhookDelivery, error) {
	var d db.WebhookDelivery
	err := r.db.WithContext(ctx).First(&d, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("deliveries: get by id: %w", err)
	}
	return &d, nil
}

func (r *gormDeliveryRepository) MarkDelivered(ctx context.Context, id uuid.UUID, httpStatus, attempts int) error {
	result := r.db.WithContext(ctx).
		Model(&db.WebhookDelivery{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      db.DeliveryDelivered,
			"http_status": httpStatus,
			"attempts":    attempts,
			"last_error":  "",
		})
	if result.Error != nil {
		return fmt.Errorf("deliveries: mark delivered: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormDeliveryRepository) MarkFailed(ctx context.Context, id uuid.UUID, httpStatus, attempts int, errMsg string) error {
	result := r.db.WithContext(ctx).
		Model(&db.WebhookDelivery{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      db.DeliveryFailed,
			"http_status": httpStatus,
			"attempts":    attempts,
			"last_error":  errMsg,
		})
	if result.Error != nil {
		return fmt.Errorf("deliveries: mark failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordAttempt stores the outcome of a retryable attempt without moving the
// delivery to a terminal status; the broker schedules the next try.
func (r *gormDeliveryRepository) RecordAttempt(ctx context.Context, id uuid.UUID, httpStatus, attempts int, errMsg string) error {
	result := r.db.WithContext(ctx).
		Model(&db.WebhookDelivery{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"http_status": httpStatus,
			"attempts":    attempts,
			"last_error":  errMsg,
		})
	if result.Error != nil {
		return fmt.Errorf("deliveries: record attempt: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormDeliveryRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&db.WebhookDelivery{})
	if result.Error != nil {
		return 0, fmt.Errorf("deliveries: delete older than: %w", result.Error)
	}
	return result.RowsAffected, nil
}
