package retention

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/exportd-io/exportd/internal/db"
	"github.com/exportd-io/exportd/internal/repositories"
	"github.com/exportd-io/exportd/internal/storage"

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

func newTestEngine(t *testing.T, gdb *gorm.DB, store *storage.Store) *Engine {
	t.Helper()
	eng, err := New(Config{
		Jobs:       repositories.NewJobRepository(gdb),
		Keys:       repositories.NewAPIKeyRepository(gdb),
		Audits:     repositories.NewAuditRepository(gdb),
		Deliveries: repositories.NewDeliveryRepository(gdb),
		Accounts:   repositories.NewAccountRepository(gdb),
		Store:      store,
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	return eng
}

// backdate rewrites created_at directly; UpdateColumn skips hooks, and the
// privileged session covers the audit guard for audit rows.
func backdate(t *testing.T, gdb *gorm.DB, model any, id uuid.UUID, at time.Time) {
	t.Helper()
	require.NoError(t, db.Privileged(gdb).
		Model(model).
		Where("id = ?", id).
		UpdateColumn("created_at", at).Error)
}

func TestNightlyPassRemovesAgedRows(t *testing.T) {
	gdb := newTestDB(t)
	ctx := context.Background()

	tenant := &db.Tenant{Name: "acme", ContactEmail: "ops@acme.test", Plan: db.PlanPro}
	require.NoError(t, gdb.Create(tenant).Error)

	now := time.Now().UTC()
	old := now.Add(-40 * 24 * time.Hour)
	ancient := now.Add(-400 * 24 * time.Hour)

	// Revoked key past the window with no active jobs: removed.
	staleKey := &db.APIKey{TenantID: tenant.ID, Name: "stale", Prefix: "ek_aaaa", Digest: "d1",
		Scope: db.ScopeRead, IsRevoked: true, RevokedAt: &old}
	require.NoError(t, gdb.Create(staleKey).Error)

	// Revoked key with a PROCESSING job still referencing it: kept.
	busyKey := &db.APIKey{TenantID: tenant.ID, Name: "busy", Prefix: "ek_bbbb", Digest: "d2",
		Scope: db.ScopeRead, IsRevoked: true, RevokedAt: &old}
	require.NoError(t, gdb.Create(busyKey).Error)
	busyJob := &db.Job{TenantID: tenant.ID, APIKeyID: &busyKey.ID, Type: db.FormatCSV, Status: db.JobStatusProcessing}
	require.NoError(t, gdb.Create(busyJob).Error)

	// One audit row beyond the 365-day window, one recent.
	oldAudit := &db.AuditLog{TenantID: tenant.ID, Actor: "key:x", Action: "job.created"}
	require.NoError(t, gdb.Create(oldAudit).Error)
	backdate(t, gdb, &db.AuditLog{}, oldAudit.ID, ancient)
	freshAudit := &db.AuditLog{TenantID: tenant.ID, Actor: "key:x", Action: "job.created"}
	require.NoError(t, gdb.Create(freshAudit).Error)

	// One delivery beyond the 90-day window, one recent.
	oldDelivery := &db.WebhookDelivery{TenantID: tenant.ID, JobID: busyJob.ID,
		Event: "export.completed", Status: "DELIVERED", Payload: "{}"}
	require.NoError(t, gdb.Create(oldDelivery).Error)
	backdate(t, gdb, &db.WebhookDelivery{}, oldDelivery.ID, now.Add(-100*24*time.Hour))
	freshDelivery := &db.WebhookDelivery{TenantID: tenant.ID, JobID: busyJob.ID,
		Event: "export.failed", Status: "FAILED", Payload: "{}"}
	require.NoError(t, gdb.Create(freshDelivery).Error)

	// An expired session and a live one.
	expired := now.Add(-time.Hour)
	live := now.Add(time.Hour)
	require.NoError(t, gdb.Create(&db.Session{TenantID: tenant.ID, TokenHash: "h1", ExpiresAt: expired}).Error)
	liveSession := &db.Session{TenantID: tenant.ID, TokenHash: "h2", ExpiresAt: live}
	require.NoError(t, gdb.Create(liveSession).Error)

	// An anonymized member past the 30-day grace, one inside it, one active.
	require.NoError(t, gdb.Create(&db.TeamMember{TenantID: tenant.ID, Email: "gone@acme.test",
		Role: "member", AnonymizedAt: &old}).Error)
	recentAnon := now.Add(-24 * time.Hour)
	require.NoError(t, gdb.Create(&db.TeamMember{TenantID: tenant.ID, Email: "leaving@acme.test",
		Role: "member", AnonymizedAt: &recentAnon}).Error)
	require.NoError(t, gdb.Create(&db.TeamMember{TenantID: tenant.ID, Email: "here@acme.test",
		Role: "admin"}).Error)

	// A long-terminal job whose file expired and that never had an object:
	// purged without touching storage.
	completedAt := now.Add(-100 * 24 * time.Hour)
	expiredFile := now.Add(-93 * 24 * time.Hour)
	purgeable := &db.Job{TenantID: tenant.ID, Type: db.FormatCSV, Status: db.JobStatusFailed,
		CompletedAt: &completedAt, FileExpiresAt: &expiredFile}
	require.NoError(t, gdb.Create(purgeable).Error)

	// No purgeable job carries a result key, so the pass never dials storage.
	eng := newTestEngine(t, gdb, nil)
	eng.RunNow(ctx)

	var keyCount int64
	require.NoError(t, gdb.Model(&db.APIKey{}).Count(&keyCount).Error)
	assert.Equal(t, int64(1), keyCount)
	assert.ErrorIs(t, gdb.First(&db.APIKey{}, "id = ?", staleKey.ID).Error, gorm.ErrRecordNotFound)

	var auditCount int64
	require.NoError(t, gdb.Model(&db.AuditLog{}).Count(&auditCount).Error)
	assert.Equal(t, int64(1), auditCount)

	var deliveryCount int64
	require.NoError(t, gdb.Model(&db.WebhookDelivery{}).Count(&deliveryCount).Error)
	assert.Equal(t, int64(1), deliveryCount)

	var sessions []db.Session
	require.NoError(t, gdb.Find(&sessions).Error)
	require.Len(t, sessions, 1)
	assert.Equal(t, liveSession.ID, sessions[0].ID)

	var memberCount int64
	require.NoError(t, gdb.Model(&db.TeamMember{}).Count(&memberCount).Error)
	assert.Equal(t, int64(2), memberCount)

	assert.ErrorIs(t, gdb.First(&db.Job{}, "id = ?", purgeable.ID).Error, gorm.ErrRecordNotFound)
	assert.NoError(t, gdb.First(&db.Job{}, "id = ?", busyJob.ID).Error)
}

func TestPurgeKeepsRowWhenObjectDeleteFails(t *testing.T) {
	gdb := newTestDB(t)
	ctx := context.Background()

	tenant := &db.Tenant{Name: "acme", ContactEmail: "ops@acme.test", Plan: db.PlanFree}
	require.NoError(t, gdb.Create(tenant).Error)

	now := time.Now().UTC()
	completedAt := now.Add(-100 * 24 * time.Hour)
	expiredFile := now.Add(-93 * 24 * time.Hour)
	job := &db.Job{TenantID: tenant.ID, Type: db.FormatCSV, Status: db.JobStatusCompleted,
		Progress: 100, ResultKey: "exports/acme/report.csv",
		CompletedAt: &completedAt, FileExpiresAt: &expiredFile}
	require.NoError(t, gdb.Create(job).Error)

	// A closed port: DeleteObject fails, so the row must survive for the next
	// pass to retry.
	store, err := storage.New(ctx, storage.Config{
		Bucket:    "exportd-test",
		Region:    "auto",
		Endpoint:  "http://127.0.0.1:9",
		AccessKey: "test",
		SecretKey: "test",
	}, zap.NewNop())
	require.NoError(t, err)

	eng := newTestEngine(t, gdb, store)
	eng.RunNow(ctx)

	assert.NoError(t, gdb.First(&db.Job{}, "id = ?", job.ID).Error)
}

func TestEngineStartStop(t *testing.T) {
	gdb := newTestDB(t)
	eng := newTestEngine(t, gdb, nil)

	require.NoError(t, eng.Start())
	require.NoError(t, eng.Stop())
}
