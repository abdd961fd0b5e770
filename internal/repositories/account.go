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

// gormAccountRepository implements AccountRepository over the dashboard
// support tables: provider accounts, sessions, and team members.
type gormAccountRepository struct {
	db *gorm.DB
}

// NewAccountRepository returns an AccountRepository backed by the provided *gorm.DB.
func NewAccountRepository(database *gorm.DB) AccountRepository {
	return &gormAccountRepository{db: database}
}

func (r *gormAccountRepository) CreateAccount(ctx context.Context, account *db.Account) error {
	if err := r.db.WithContext(ctx).Create(account).Error; err != nil {
		return fmt.Errorf("accounts: create: %w", err)
	}
	return nil
}

func (r *gormAccountRepository) GetAccountByProvider(ctx context.Context, provider, sub string) (*db.Account, error) {
	var account db.Account
	err := r.db.WithContext(ctx).First(&account, "provider = ? AND provider_sub = ?", provider, sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("accounts: get by provider: %w", err)
	}
	return &account, nil
}

func (r *gormAccountRepository) GetSessionByTokenHash(ctx context.Context, hash string) (*db.Session, error) {
	var session db.Session
	err := r.db.WithContext(ctx).First(&session, "token_hash = ?", hash).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("accounts: get session by hash: %w", err)
	}
	return &session, nil
}

func (r *gormAccountRepository) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("expires_at < ?", now).
		Delete(&db.Session{})
	if result.Error != nil {
		return 0, fmt.Errorf("accounts: delete expired sessions: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (r *gormAccountRepository) ListTeamMembers(ctx context.Context, tenantID uuid.UUID) ([]db.TeamMember, error) {
	var members []db.TeamMember
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Find(&members).Error
	if err != nil {
		return nil, fmt.Errorf("accounts: list team members: %w", err)
	}
	return members, nil
}

func (r *gormAccountRepository) DeleteAnonymizedMembersBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("anonymized_at IS NOT NULL AND anonymized_at < ?", cutoff).
		Delete(&db.TeamMember{})
	if result.Error != nil {
		return 0, fmt.Errorf("accounts: delete anonymized members: %w", result.Error)
	}
	return result.RowsAffected, nil
}
