package repositories

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/exportd-io/exportd/internal/db"

	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	sqlDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	gdb, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, gdb.AutoMigrate(
		&db.Tenant{}, &db.APIKey{}, &db.Job{}, &db.Schedule{},
		&db.UsageRecord{}, &db.WebhookDelivery{}, &db.AuditLog{},
		&db.Session{}, &db.TeamMember{}, &db.Account{},
	))
	return gdb
}

func seedTenant(t *testing.T, gdb *gorm.DB) *db.Tenant {
	t.Helper()
	tenant := &db.Tenant{Name: "acme", ContactEmail: "ops@acme.test", Plan: db.PlanPro, TransactionalEmails: true}
	require.NoError(t, NewTenantRepository(gdb).Create(context.Background(), tenant))
	return tenant
}

func seedJob(t *testing.T, gdb *gorm.DB, tenantID uuid.UUID) *db.Job {
	t.Helper()
	job := &db.Job{TenantID: tenantID, Type: db.FormatCSV, Status: db.JobStatusQueued}
	require.NoError(t, NewJobRepository(gdb).Create(context.Background(), job))
	return job
}

// Guards the embedded db.Base: if GORM ever stops mapping it (it silently
// drops unexported embedded structs), every table loses its primary key.
func TestMigratedTablesCarryBaseColumns(t *testing.T) {
	gdb := newTestDB(t)

	for _, model := range []any{
		&db.Tenant{}, &db.APIKey{}, &db.Job{}, &db.Schedule{}, &db.AuditLog{},
	} {
		for _, col := range []string{"id", "created_at", "updated_at"} {
			assert.True(t, gdb.Migrator().HasColumn(model, col),
				"%T is missing column %q", model, col)
		}
	}

	// And the id actually round-trips through create and lookup.
	tenant := seedTenant(t, gdb)
	require.NotEqual(t, uuid.Nil, tenant.ID)
	got, err := NewTenantRepository(gdb).GetByID(context.Background(), tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant.ID, got.ID)
	assert.False(t, got.CreatedAt.IsZero())
}

// -----------------------------------------------------------------------------
// Job terminal-state monotonicity
// -----------------------------------------------------------------------------

func TestJobTerminalTransitionsAreMonotonic(t *testing.T) {
	gdb := newTestDB(t)
	ctx := context.Background()
	jobs := NewJobRepository(gdb)
	tenant := seedTenant(t, gdb)
	job := seedJob(t, gdb, tenant.ID)

	now := time.Now().UTC()
	result := db.Job{ResultKey: "exports/x/y.csv", ResultBytes: 10, ResultRows: 3, ResultFormat: db.FormatCSV}

	require.NoError(t, jobs.CommitCompleted(ctx, job.ID, result, now, now.Add(7*24*time.Hour)))

	// A duplicate completion and a late failure both bounce off the guard.
	assert.ErrorIs(t, jobs.CommitCompleted(ctx, job.ID, result, now, now), ErrNotFound)
	assert.ErrorIs(t, jobs.CommitFailed(ctx, job.ID, "late failure", now), ErrNotFound)

	got, err := jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Empty(t, got.Error)
}

func TestJobMarkProcessingRefusesTerminalRows(t *testing.T) {
	gdb := newTestDB(t)
	ctx := context.Background()
	jobs := NewJobRepository(gdb)
	tenant := seedTenant(t, gdb)
	job := seedJob(t, gdb, tenant.ID)

	now := time.Now().UTC()
	require.NoError(t, jobs.MarkProcessing(ctx, job.ID, 1, now))
	require.NoError(t, jobs.CommitFailed(ctx, job.ID, "boom", now))

	// A late lease cannot resurrect the job.
	assert.ErrorIs(t, jobs.MarkProcessing(ctx, job.ID, 2, now), ErrNotFound)

	got, err := jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusFailed, got.Status)
}

func TestJobProgressNeverMovesBackwards(t *testing.T) {
	gdb := newTestDB(t)
	ctx := context.Background()
	jobs := NewJobRepository(gdb)
	tenant := seedTenant(t, gdb)
	job := seedJob(t, gdb, tenant.ID)

	require.NoError(t, jobs.UpdateProgress(ctx, job.ID, 50))
	require.NoError(t, jobs.UpdateProgress(ctx, job.ID, 25)) // out-of-order event
	require.NoError(t, jobs.UpdateProgress(ctx, job.ID, 75))

	got, err := jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 75, got.Progress)
}

func TestJobSweepGhosts(t *testing.T) {
	gdb := newTestDB(t)
	ctx := context.Background()
	jobs := NewJobRepository(gdb)
	tenant := seedTenant(t, gdb)

	stale := seedJob(t, gdb, tenant.ID)
	require.NoError(t, gdb.Model(&db.Job{}).Where("id = ?", stale.ID).
		UpdateColumn("created_at", time.Now().UTC().Add(-time.Hour)).Error)
	fresh := seedJob(t, gdb, tenant.ID)

	swept, err := jobs.SweepGhosts(ctx, time.Now().UTC().Add(-15*time.Minute), "never picked up")
	require.NoError(t, err)
	assert.EqualValues(t, 1, swept)

	got, err := jobs.GetByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusFailed, got.Status)
	assert.Equal(t, "never picked up", got.Error)

	got, err = jobs.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusQueued, got.Status)
}

func TestJobGetForTenantScopesLookups(t *testing.T) {
	gdb := newTestDB(t)
	ctx := context.Background()
	jobs := NewJobRepository(gdb)
	owner := seedTenant(t, gdb)
	other := &db.Tenant{Name: "other", ContactEmail: "other@test", Plan: db.PlanFree}
	require.NoError(t, NewTenantRepository(gdb).Create(ctx, other))

	job := seedJob(t, gdb, owner.ID)

	_, err := jobs.GetForTenant(ctx, other.ID, job.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := jobs.GetForTenant(ctx, owner.ID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
}

// -----------------------------------------------------------------------------
// Usage idempotency
// -----------------------------------------------------------------------------

func TestUsageRecordIsIdempotentPerJob(t *testing.T) {
	gdb := newTestDB(t)
	ctx := context.Background()
	usage := NewUsageRepository(gdb)
	tenant := seedTenant(t, gdb)
	job := seedJob(t, gdb, tenant.ID)

	rec := func() *db.UsageRecord {
		return &db.UsageRecord{JobID: job.ID, TenantID: tenant.ID, Rows: 100, Period: "2026-08"}
	}
	require.NoError(t, usage.Record(ctx, rec()))
	// Re-processing the same broker event inserts nothing.
	require.NoError(t, usage.Record(ctx, rec()))
	require.NoError(t, usage.Record(ctx, rec()))

	total, err := usage.MonthlyRows(ctx, tenant.ID, "2026-08")
	require.NoError(t, err)
	assert.EqualValues(t, 100, total)
}

// -----------------------------------------------------------------------------
// Audit insert-only guard
// -----------------------------------------------------------------------------

func TestAuditLogsAreInsertOnly(t *testing.T) {
	gdb := newTestDB(t)
	ctx := context.Background()
	audits := NewAuditRepository(gdb)
	tenant := seedTenant(t, gdb)

	entry := &db.AuditLog{TenantID: tenant.ID, Actor: "key:exp_12345", Action: "job.created"}
	require.NoError(t, audits.Create(ctx, entry))

	// Direct mutation through a normal session is refused by the hooks.
	err := gdb.Model(entry).Update("action", "tampered").Error
	assert.ErrorIs(t, err, db.ErrAuditImmutable)
	err = gdb.Delete(entry).Error
	assert.ErrorIs(t, err, db.ErrAuditImmutable)

	entries, total, err := audits.List(ctx, tenant.ID, AuditListFilter{}, ListOptions{Limit: 10})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	assert.Equal(t, "job.created", entries[0].Action)
}

func TestAuditAnonymizeTenantBypassesGuard(t *testing.T) {
	gdb := newTestDB(t)
	ctx := context.Background()
	audits := NewAuditRepository(gdb)
	tenant := seedTenant(t, gdb)

	for i := 0; i < 3; i++ {
		require.NoError(t, audits.Create(ctx, &db.AuditLog{
			TenantID: tenant.ID,
			Actor:    "key:exp_12345",
			Action:   "job.created",
			Metadata: `{"type":"csv"}`,
			IP:       "203.0.113.9",
		}))
	}

	anonID := uuid.MustParse("00000000-0000-0000-0000-00000000beef")
	rewritten, err := audits.AnonymizeTenant(ctx, tenant.ID, anonID, "anon:deadbeef")
	require.NoError(t, err)
	assert.EqualValues(t, 3, rewritten)

	// The real tenant id must no longer appear on any row.
	entries, _, err := audits.List(ctx, tenant.ID, AuditListFilter{}, ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, entries)

	entries, _, err = audits.List(ctx, anonID, AuditListFilter{}, ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, anonID, e.TenantID)
		assert.Equal(t, "anon:deadbeef", e.Actor)
		assert.Empty(t, e.IP)
		assert.Equal(t, "{}", e.Metadata)
	}
}

func TestAuditDeleteOlderThan(t *testing.T) {
	gdb := newTestDB(t)
	ctx := context.Background()
	audits := NewAuditRepository(gdb)
	tenant := seedTenant(t, gdb)

	old := &db.AuditLog{TenantID: tenant.ID, Actor: "a", Action: "old"}
	require.NoError(t, audits.Create(ctx, old))
	require.NoError(t, db.Privileged(gdb).Model(&db.AuditLog{}).Where("id = ?", old.ID).
		UpdateColumn("created_at", time.Now().UTC().Add(-400*24*time.Hour)).Error)
	require.NoError(t, audits.Create(ctx, &db.AuditLog{TenantID: tenant.ID, Actor: "a", Action: "recent"}))

	purged, err := audits.DeleteOlderThan(ctx, time.Now().UTC().Add(-365*24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)

	entries, total, err := audits.List(ctx, tenant.ID, AuditListFilter{}, ListOptions{Limit: 10})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	assert.Equal(t, "recent", entries[0].Action)
}

// -----------------------------------------------------------------------------
// API keys
// -----------------------------------------------------------------------------

func TestAPIKeyRevokeAndCleanup(t *testing.T) {
	gdb := newTestDB(t)
	ctx := context.Background()
	keys := NewAPIKeyRepository(gdb)
	tenant := seedTenant(t, gdb)

	key := &db.APIKey{TenantID: tenant.ID, Name: "ci", Prefix: "exp_abcd", Digest: "d1", Scope: db.ScopeWrite}
	require.NoError(t, keys.Create(ctx, key))

	require.NoError(t, keys.Revoke(ctx, key.ID, time.Now().UTC().Add(-40*24*time.Hour)))

	// A revoked key with an active job survives the cleanup.
	job := &db.Job{TenantID: tenant.ID, APIKeyID: &key.ID, Type: db.FormatCSV, Status: db.JobStatusProcessing}
	require.NoError(t, NewJobRepository(gdb).Create(ctx, job))

	removed, err := keys.DeleteRevokedBefore(ctx, time.Now().UTC().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, removed)

	// Once the job is terminal the next pass removes the key.
	require.NoError(t, NewJobRepository(gdb).CommitFailed(ctx, job.ID, "x", time.Now().UTC()))
	removed, err = keys.DeleteRevokedBefore(ctx, time.Now().UTC().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	_, err = keys.GetByID(ctx, key.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

// -----------------------------------------------------------------------------
// Schedules
// -----------------------------------------------------------------------------

func TestScheduleListDueAndUpdateRun(t *testing.T) {
	gdb := newTestDB(t)
	ctx := context.Background()
	schedules := NewScheduleRepository(gdb)
	tenant := seedTenant(t, gdb)

	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due := &db.Schedule{TenantID: tenant.ID, Name: "hourly", Cron: "0 * * * *", Type: db.FormatCSV, Active: true, NextRunAt: &past}
	notYet := &db.Schedule{TenantID: tenant.ID, Name: "later", Cron: "0 * * * *", Type: db.FormatCSV, Active: true, NextRunAt: &future}
	inactive := &db.Schedule{TenantID: tenant.ID, Name: "off", Cron: "0 * * * *", Type: db.FormatCSV, Active: false, NextRunAt: &past}
	for _, s := range []*db.Schedule{due, notYet, inactive} {
		require.NoError(t, schedules.Create(ctx, s))
	}

	got, err := schedules.ListDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, due.ID, got[0].ID)

	require.NoError(t, schedules.UpdateRun(ctx, due.ID, now, future))
	got, err = schedules.ListDue(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, got)
}

// -----------------------------------------------------------------------------
// Webhook circuit counters
// -----------------------------------------------------------------------------

func TestTenantWebhookCircuitCounters(t *testing.T) {
	gdb := newTestDB(t)
	ctx := context.Background()
	tenants := NewTenantRepository(gdb)
	tenant := seedTenant(t, gdb)

	for i := 0; i < 3; i++ {
		require.NoError(t, tenants.RecordWebhookFailure(ctx, tenant.ID))
	}
	got, err := tenants.GetByID(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.WebhookFailures)
	assert.Nil(t, got.WebhookLastSuccess)

	at := time.Now().UTC()
	require.NoError(t, tenants.RecordWebhookSuccess(ctx, tenant.ID, at))
	got, err = tenants.GetByID(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Zero(t, got.WebhookFailures)
	require.NotNil(t, got.WebhookLastSuccess)
	assert.WithinDuration(t, at, *got.WebhookLastSuccess, time.Second)
}
