// Package repositories defines the persistence interfaces used by the rest of
// the server and their GORM implementations. Handlers and workers depend on
// the interfaces only; the concrete types are constructed once in main.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/exportd-io/exportd/internal/db"
)

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// TenantRepository
// -----------------------------------------------------------------------------

type TenantRepository interface {
	Create(ctx context.Context, tenant *db.Tenant) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Tenant, error)
	GetByEmail(ctx context.Context, email string) (*db.Tenant, error)
	Update(ctx context.Context, tenant *db.Tenant) error
	Delete(ctx context.Context, id uuid.UUID) error

	// RecordWebhookSuccess zeroes the failure counter and stamps the last
	// success time. RecordWebhookFailure increments the counter. Both are
	// last-write-wins; a lost update costs at most one extra retry.
	RecordWebhookSuccess(ctx context.Context, id uuid.UUID, at time.Time) error
	RecordWebhookFailure(ctx context.Context, id uuid.UUID) error
}

// -----------------------------------------------------------------------------
// APIKeyRepository
// -----------------------------------------------------------------------------

type APIKeyRepository interface {
	Create(ctx context.Context, key *db.APIKey) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.APIKey, error)

	// GetByDigest resolves a presented secret by its SHA-256 digest.
	// Returns ErrNotFound for unknown digests; revocation and expiry are
	// checked by the caller so it can distinguish the error codes.
	GetByDigest(ctx context.Context, digest string) (*db.APIKey, error)

	ListByTenant(ctx context.Context, tenantID uuid.UUID, opts ListOptions) ([]db.APIKey, int64, error)
	Update(ctx context.Context, key *db.APIKey) error
	Revoke(ctx context.Context, id uuid.UUID, at time.Time) error

	// TouchLastUsed is called asynchronously after each authenticated
	// request; failures are logged and swallowed by the caller.
	TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error

	// DeleteRevokedBefore removes keys revoked before the cutoff that have
	// no QUEUED or PROCESSING jobs. Returns the number of rows deleted.
	DeleteRevokedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// JobRepository
// -----------------------------------------------------------------------------

// JobListFilter narrows List queries. Zero values mean no filtering.
type JobListFilter struct {
	Status string
}

type JobRepository interface {
	Create(ctx context.Context, job *db.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error)
	GetForTenant(ctx context.Context, tenantID, id uuid.UUID) (*db.Job, error)
	List(ctx context.Context, tenantID uuid.UUID, filter JobListFilter, opts ListOptions) ([]db.Job, int64, error)
	SetBrokerID(ctx context.Context, id uuid.UUID, brokerID string) error

	// MarkProcessing is written by the worker holding the lease. It records
	// the attempt count and start time together with the status flip.
	MarkProcessing(ctx context.Context, id uuid.UUID, attempts int, startedAt time.Time) error

	// CommitCompleted and CommitFailed are written only by the event
	// listener — the single terminal-state writer. Both refuse to regress a
	// job that is already terminal.
	CommitCompleted(ctx context.Context, id uuid.UUID, res db.Job, completedAt, fileExpiresAt time.Time) error
	CommitFailed(ctx context.Context, id uuid.UUID, errMsg string, completedAt time.Time) error

	// RecordAttemptFailure appends the error of a non-final attempt without
	// changing the status; the broker re-queues the delivery.
	RecordAttemptFailure(ctx context.Context, id uuid.UUID, attempts int, errMsg string) error

	// UpdateProgress persists max(current, progress) — progress events may
	// arrive coalesced and out of order.
	UpdateProgress(ctx context.Context, id uuid.UUID, progress int) error

	// SweepGhosts marks QUEUED jobs created before the cutoff as FAILED.
	// These are rows whose broker enqueue never produced events.
	SweepGhosts(ctx context.Context, cutoff time.Time, reason string) (int64, error)

	// ListPurgeable returns jobs completed before the cutoff whose file has
	// also expired, for the retention engine.
	ListPurgeable(ctx context.Context, completedBefore, now time.Time, limit int) ([]db.Job, error)
	Delete(ctx context.Context, id uuid.UUID) error

	CountActiveByAPIKey(ctx context.Context, apiKeyID uuid.UUID) (int64, error)
}

// -----------------------------------------------------------------------------
// ScheduleRepository
// -----------------------------------------------------------------------------

type ScheduleRepository interface {
	Create(ctx context.Context, schedule *db.Schedule) error
	GetForTenant(ctx context.Context, tenantID, id uuid.UUID) (*db.Schedule, error)
	ListByTenant(ctx context.Context, tenantID uuid.UUID, opts ListOptions) ([]db.Schedule, int64, error)
	Update(ctx context.Context, schedule *db.Schedule) error
	Delete(ctx context.Context, tenantID, id uuid.UUID) error

	// ListDue returns active schedules whose next_run_at is at or before now.
	ListDue(ctx context.Context, now time.Time) ([]db.Schedule, error)
	// UpdateRun stamps last_run_at and the recomputed next_run_at after a
	// schedule has been materialized.
	UpdateRun(ctx context.Context, id uuid.UUID, lastRun, nextRun time.Time) error
}

// -----------------------------------------------------------------------------
// UsageRepository
// -----------------------------------------------------------------------------

type UsageRepository interface {
	// Record inserts a usage row for the job. The job_id unique constraint
	// makes the call idempotent: recording twice is a silent no-op.
	Record(ctx context.Context, rec *db.UsageRecord) error

	// MonthlyRows sums exported rows for a tenant in a billing period
	// ("2006-01").
	MonthlyRows(ctx context.Context, tenantID uuid.UUID, period string) (int64, error)
}

// -----------------------------------------------------------------------------
// DeliveryRepository
// -----------------------------------------------------------------------------

type DeliveryRepository interface {
	Create(ctx context.Context, d *db.WebhookDelivery) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.WebhookDelivery, error)
	MarkDelivered(ctx context.Context, id uuid.UUID, httpStatus, attempts int) error
	MarkFailed(ctx context.Context, id uuid.UUID, httpStatus, attempts int, errMsg string) error
	RecordAttempt(ctx context.Context, id uuid.UUID, httpStatus, attempts int, errMsg string) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// AuditRepository
// -----------------------------------------------------------------------------

// AuditListFilter narrows audit-log queries. Zero values mean no filtering.
type AuditListFilter struct {
	Action     string
	TargetType string
}

type AuditRepository interface {
	Create(ctx context.Context, entry *db.AuditLog) error
	List(ctx context.Context, tenantID uuid.UUID, filter AuditListFilter, opts ListOptions) ([]db.AuditLog, int64, error)

	// AnonymizeTenant replaces the tenant reference and actor with their
	// salted-hash replacements and clears ip and metadata on every entry for
	// the tenant. It runs on the privileged session — the only sanctioned
	// bypass of the insert-only guard besides DeleteOlderThan. Returns the
	// number of rows rewritten.
	AnonymizeTenant(ctx context.Context, tenantID, anonID uuid.UUID, actor string) (int64, error)

	// DeleteOlderThan purges entries past the 365-day retention window,
	// also on the privileged session.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// AccountRepository (sessions, team members, provider accounts)
// -----------------------------------------------------------------------------

type AccountRepository interface {
	CreateAccount(ctx context.Context, account *db.Account) error
	GetAccountByProvider(ctx context.Context, provider, sub string) (*db.Account, error)

	GetSessionByTokenHash(ctx context.Context, hash string) (*db.Session, error)
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)

	ListTeamMembers(ctx context.Context, tenantID uuid.UUID) ([]db.TeamMember, error)
	DeleteAnonymizedMembersBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
