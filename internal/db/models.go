package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains the common fields shared by all models. It must stay exported:
// GORM ignores unexported embedded structs, which would drop these columns
// from every schema.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// Job statuses. Transitions are monotonic:
// QUEUED -> PROCESSING -> COMPLETED | FAILED. A job only reaches FAILED once
// its attempt count equals the retry ceiling; before that, a failed attempt
// leaves the status untouched and the broker re-queues the delivery.
const (
	JobStatusQueued     = "QUEUED"
	JobStatusProcessing = "PROCESSING"
	JobStatusCompleted  = "COMPLETED"
	JobStatusFailed     = "FAILED"
)

// Export formats accepted by POST /api/v1/jobs.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
	FormatXLSX = "xlsx"
)

// Key scopes form a ladder: READ < WRITE < ADMIN. WRITE implies READ,
// ADMIN implies everything.
const (
	ScopeRead  = "READ"
	ScopeWrite = "WRITE"
	ScopeAdmin = "ADMIN"
)

// Plan tiers, mapped to queue priorities at admission time
// (lower number = dequeued first).
const (
	PlanFree  = "FREE"
	PlanPro   = "PRO"
	PlanScale = "SCALE"
)

// Webhook delivery statuses.
const (
	DeliveryPending   = "PENDING"
	DeliveryDelivered = "DELIVERED"
	DeliveryFailed    = "FAILED"
)

// -----------------------------------------------------------------------------
// Tenants
// -----------------------------------------------------------------------------

// Tenant is a customer account. It owns jobs, API keys, schedules, usage
// records, and at most one webhook target (embedded here rather than in a
// separate table — the circuit-breaker fields are read-modify-written by the
// webhook worker with last-write-wins semantics, which a single row makes
// cheap).
type Tenant struct {
	Base
	Name         string `gorm:"not null"`
	ContactEmail string `gorm:"not null;index"`
	Plan         string `gorm:"not null;default:'FREE'"` // FREE, PRO, SCALE

	// Consent flags. Transactional defaults to on; marketing requires
	// explicit opt-in. The notification worker re-reads these at send time.
	TransactionalEmails bool `gorm:"not null;default:true"`
	MarketingEmails     bool `gorm:"not null;default:false"`
	PreDeletionNotice   bool `gorm:"not null;default:false"`

	// Branding applied to outbound emails.
	BrandColor  string `gorm:"default:''"`
	BrandLogo   string `gorm:"default:''"`
	BrandFooter string `gorm:"default:''"`

	// RetentionDays overrides the default file retention (0 = service
	// default of 7 days). Enforced per job via FileExpiresAt, not by the
	// bucket lifecycle rule.
	RetentionDays int `gorm:"not null;default:0"`

	// Webhook target. Secret is encrypted at rest. The circuit is open iff
	// WebhookFailures >= 10 and now - WebhookLastSuccess < 30 minutes.
	WebhookURL         string          `gorm:"default:''"`
	WebhookSecret      EncryptedString `gorm:"type:text;default:''"`
	WebhookActive      bool            `gorm:"not null;default:false"`
	WebhookFailures    int             `gorm:"not null;default:0"`
	WebhookLastSuccess *time.Time
}

// -----------------------------------------------------------------------------
// API keys
// -----------------------------------------------------------------------------

// APIKey is a tenant-scoped bearer credential. The plaintext secret is
// returned exactly once at creation and never stored — only its SHA-256
// digest. Prefix holds the first eight characters for display purposes.
type APIKey struct {
	Base
	TenantID uuid.UUID `gorm:"type:text;not null;index"`
	Name     string    `gorm:"not null"`
	Prefix   string    `gorm:"not null;index"`
	Digest   string    `gorm:"not null;uniqueIndex"` // SHA-256 hex of the full secret
	Scope    string    `gorm:"not null;default:'READ'"`
	// AllowedCIDRs is a JSON array of CIDR strings; an empty array means no
	// restriction. IPv4-mapped IPv6 addresses are normalized before matching.
	AllowedCIDRs string `gorm:"type:text;default:'[]'"`
	// RateLimitPerMin overrides the tier ceiling when > 0.
	RateLimitPerMin int  `gorm:"not null;default:0"`
	IsRevoked       bool `gorm:"not null;default:false"`
	RevokedAt       *time.Time
	LastUsedAt      *time.Time
	ExpiresAt       *time.Time
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// Job is a single export unit. The payload is opaque to the core — only the
// export engine parses it. Result fields are populated exclusively by the
// event listener when the terminal state is committed; the worker owning the
// lease writes only Status=PROCESSING, StartedAt and Attempts. The two
// writers touch disjoint column sets.
type Job struct {
	Base
	TenantID uuid.UUID  `gorm:"type:text;not null;index"`
	APIKeyID *uuid.UUID `gorm:"type:text;index"` // nil for schedule-created jobs
	Type     string     `gorm:"not null"`        // csv, json, xlsx
	Payload  []byte     `gorm:"type:blob"`
	Status   string     `gorm:"not null;default:'QUEUED';index"`
	Progress int        `gorm:"not null;default:0"` // 0-100, coalesced
	Attempts int        `gorm:"not null;default:0"`
	// BrokerID correlates the row with broker-side deliveries and events.
	BrokerID string `gorm:"default:'';index"`

	// Result, set on COMPLETED.
	ResultKey      string `gorm:"default:''"`
	ResultBytes    int64  `gorm:"not null;default:0"`
	ResultRows     int64  `gorm:"not null;default:0"`
	ResultFormat   string `gorm:"default:''"`
	ResultURL      string `gorm:"type:text;default:''"` // short-lived snapshot, regenerated on demand
	ResultURLUntil *time.Time

	// Error, set on FAILED (and appended across retried attempts).
	Error string `gorm:"type:text;default:''"`

	StartedAt     *time.Time
	CompletedAt   *time.Time
	FileExpiresAt *time.Time
}

// Terminal reports whether the job has reached COMPLETED or FAILED.
func (j *Job) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// -----------------------------------------------------------------------------
// Schedules
// -----------------------------------------------------------------------------

// Schedule materializes recurring jobs on a cron cadence. Cron holds a
// 5-field expression validated to fire no more often than hourly. Payload is
// the template copied into each materialized job.
type Schedule struct {
	Base
	TenantID  uuid.UUID `gorm:"type:text;not null;index"`
	Name      string    `gorm:"not null"`
	Cron      string    `gorm:"not null"`
	Type      string    `gorm:"not null"` // csv, json, xlsx
	Payload   []byte    `gorm:"type:blob"`
	Active    bool      `gorm:"not null;default:true"`
	LastRunAt *time.Time
	NextRunAt *time.Time `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Usage
// -----------------------------------------------------------------------------

// UsageRecord bills one completed job. JobID carries a unique constraint so
// recording is idempotent: re-processing a broker event inserts nothing.
// Period is the billing month in "2006-01" form.
type UsageRecord struct {
	Base
	JobID    uuid.UUID `gorm:"type:text;not null;uniqueIndex"`
	TenantID uuid.UUID `gorm:"type:text;not null;index"`
	Rows     int64     `gorm:"not null;default:0"`
	Period   string    `gorm:"not null;index"`
}

// -----------------------------------------------------------------------------
// Webhook deliveries
// -----------------------------------------------------------------------------

// WebhookDelivery is the ledger row for one outbound webhook event. A row is
// created PENDING before the delivery is enqueued, giving at-least-once
// semantics: a crash between insert and enqueue leaves a PENDING row the
// operator can replay.
type WebhookDelivery struct {
	Base
	JobID      uuid.UUID `gorm:"type:text;not null;index"`
	TenantID   uuid.UUID `gorm:"type:text;not null;index"`
	Event      string    `gorm:"not null"` // export.completed, export.failed
	Status     string    `gorm:"not null;default:'PENDING'"`
	Attempts   int       `gorm:"not null;default:0"`
	HTTPStatus int       `gorm:"not null;default:0"`
	Payload    string    `gorm:"type:text;not null"`
	LastError  string    `gorm:"type:text;default:''"`
}

// -----------------------------------------------------------------------------
// Audit log
// -----------------------------------------------------------------------------

// AuditLog is insert-only. The BeforeUpdate and BeforeDelete hooks refuse
// mutation through normal GORM paths; the only bypass is the privileged
// session opened by Privileged, used by tenant erasure (anonymization) and
// the retention engine (365-day purge).
type AuditLog struct {
	Base
	TenantID   uuid.UUID `gorm:"type:text;not null;index"`
	Actor      string    `gorm:"not null"`
	Action     string    `gorm:"not null;index"`
	TargetType string    `gorm:"default:''"`
	TargetID   string    `gorm:"default:''"`
	Metadata   string    `gorm:"type:text;default:'{}'"`
	IP         string    `gorm:"default:''"`
}

// BeforeUpdate enforces the insert-only discipline unless the privileged
// bypass is set on the session (see Privileged).
func (a *AuditLog) BeforeUpdate(tx *gorm.DB) error {
	return auditGuard(tx)
}

// BeforeDelete enforces the insert-only discipline unless the privileged
// bypass is set on the session.
func (a *AuditLog) BeforeDelete(tx *gorm.DB) error {
	return auditGuard(tx)
}

// -----------------------------------------------------------------------------
// Sessions, team members, accounts (dashboard support)
// -----------------------------------------------------------------------------

// Session is a dashboard login session. Sessions are created by the external
// sign-in flow; the core only validates the token hash on the internal
// dashboard path and purges expired rows in the retention engine.
type Session struct {
	Base
	TenantID  uuid.UUID `gorm:"type:text;not null;index"`
	TokenHash string    `gorm:"not null;uniqueIndex"` // SHA-256 hex of the raw token
	ExpiresAt time.Time `gorm:"not null;index"`
	UserAgent string
	IPAddress string
}

// TeamMember belongs to a tenant's dashboard team. AnonymizedAt marks members
// removed under an erasure request; rows are hard-deleted 30 days later by
// the retention engine.
type TeamMember struct {
	Base
	TenantID     uuid.UUID  `gorm:"type:text;not null;index"`
	Email        string     `gorm:"not null;index"`
	Role         string     `gorm:"not null;default:'member'"`
	AnonymizedAt *time.Time `gorm:"index"`
}

// Account links an external sign-in provider identity to a tenant. An
// existing tenant email with a new provider gets a new Account row pointing
// at the same tenant — never a duplicate tenant.
type Account struct {
	Base
	TenantID    uuid.UUID `gorm:"type:text;not null;index"`
	Provider    string    `gorm:"not null"`
	ProviderSub string    `gorm:"not null"`
}
