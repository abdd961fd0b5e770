package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/exportd-io/exportd/internal/audit"
	"github.com/exportd-io/exportd/internal/auth"
	"github.com/exportd-io/exportd/internal/broker"
	"github.com/exportd-io/exportd/internal/db"
	"github.com/exportd-io/exportd/internal/notification"
	"github.com/exportd-io/exportd/internal/ratelimit"
	"github.com/exportd-io/exportd/internal/repositories"
	"github.com/exportd-io/exportd/internal/storage"
	"github.com/exportd-io/exportd/internal/websocket"

	_ "modernc.org/sqlite"
)

type testEnv struct {
	gdb    *gorm.DB
	router http.Handler
	mr     *miniredis.Miniredis
	broker *broker.Broker

	tenants repositories.TenantRepository
	keys    repositories.APIKeyRepository
	jobs    repositories.JobRepository
	audits  repositories.AuditRepository

	dashboard *auth.Dashboard

	tenant *db.Tenant
	key    *db.APIKey
	secret string // plaintext ADMIN key for e.tenant
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	// The default endpoint points at a closed port: presigning works offline,
	// only the storage health probe actually dials it. Tests that need object
	// operations to succeed pass a stub server instead.
	return newTestEnvStorage(t, "http://127.0.0.1:9")
}

func newTestEnvStorage(t *testing.T, endpoint string) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop()

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

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	b := broker.NewWithClient(rdb, logger)

	store, err := storage.New(ctx, storage.Config{
		Bucket:    "exportd-test",
		Region:    "auto",
		Endpoint:  endpoint,
		AccessKey: "test",
		SecretKey: "test",
	}, logger)
	require.NoError(t, err)

	tenants := repositories.NewTenantRepository(gdb)
	keys := repositories.NewAPIKeyRepository(gdb)
	jobs := repositories.NewJobRepository(gdb)
	schedules := repositories.NewScheduleRepository(gdb)
	audits := repositories.NewAuditRepository(gdb)
	accounts := repositories.NewAccountRepository(gdb)

	rec := audit.NewRecorder(audits, logger)
	t.Cleanup(rec.Close)
	auditor := NewAuditor(rec)

	authSvc := auth.NewService(keys, tenants, logger)
	dashboard := auth.NewDashboard("test-dashboard-secret", tenants)
	limiter := ratelimit.New(b, logger)
	guard := ratelimit.NewLoopGuard(b, logger)
	hub := websocket.NewHub()
	notifier := notification.NewService(notification.SMTPConfig{}, tenants, logger)

	router := NewRouter(RouterConfig{
		Auth:      authSvc,
		Dashboard: dashboard,
		Limiter:   limiter,
		Jobs:      NewJobHandler(jobs, b, store, guard, auditor, logger),
		Keys:      NewKeyHandler(keys, jobs, auditor, logger),
		Schedules: NewScheduleHandler(schedules, auditor, logger),
		AuditLogs: NewAuditLogHandler(audits, logger),
		Account: NewAccountHandler(AccountHandlerConfig{
			Tenants:   tenants,
			Keys:      keys,
			Schedules: schedules,
			Accounts:  accounts,
			Audits:    audits,
			Store:     store,
			Notifier:  notifier,
			Audit:     auditor,
			Logger:    logger,
		}),
		Health: NewHealthHandler(gdb, b, store),
		WS:     NewWSHandler(hub, jobs, logger),
		Logger: logger,
	})

	env := &testEnv{
		gdb:       gdb,
		router:    router,
		mr:        mr,
		broker:    b,
		tenants:   tenants,
		keys:      keys,
		jobs:      jobs,
		audits:    audits,
		dashboard: dashboard,
	}

	env.tenant = &db.Tenant{Name: "acme", ContactEmail: "ops@acme.test", Plan: db.PlanPro, TransactionalEmails: true}
	require.NoError(t, tenants.Create(ctx, env.tenant))
	env.secret, env.key = env.makeKey(t, env.tenant.ID, db.ScopeAdmin, "", 0)
	return env
}

// makeKey inserts a key row directly and returns its plaintext secret.
func (e *testEnv) makeKey(t *testing.T, tenantID uuid.UUID, scope, cidrs string, rlpm int) (string, *db.APIKey) {
	t.Helper()
	secret, prefix, digest, err := auth.GenerateSecret()
	require.NoError(t, err)
	key := &db.APIKey{
		TenantID:        tenantID,
		Name:            "test key",
		Prefix:          prefix,
		Digest:          digest,
		Scope:           scope,
		AllowedCIDRs:    cidrs,
		RateLimitPerMin: rlpm,
	}
	require.NoError(t, e.keys.Create(context.Background(), key))
	return secret, key
}

func (e *testEnv) request(t *testing.T, method, path, secret string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if secret != "" {
		req.Header.Set("X-API-Key", secret)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &m), "body: %s", rr.Body.String())
	return m
}

func validJobBody() map[string]any {
	return map[string]any{
		"type":    "csv",
		"payload": map[string]any{"dataset": "audit_logs"},
	}
}

// -----------------------------------------------------------------------------
// Auth gate
// -----------------------------------------------------------------------------

func TestAuthMissingKey(t *testing.T) {
	env := newTestEnv(t)

	rr := env.request(t, http.MethodGet, "/api/v1/jobs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, CodeMissingAPIKey, decodeBody(t, rr)["code"])
}

func TestAuthInvalidKey(t *testing.T) {
	env := newTestEnv(t)

	rr := env.request(t, http.MethodGet, "/api/v1/jobs", "exp_not_a_real_secret", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, CodeInvalidAPIKey, decodeBody(t, rr)["code"])
}

func TestAuthRevokedKey(t *testing.T) {
	env := newTestEnv(t)
	secret, key := env.makeKey(t, env.tenant.ID, db.ScopeRead, "", 0)
	require.NoError(t, env.keys.Revoke(context.Background(), key.ID, time.Now().UTC()))

	rr := env.request(t, http.MethodGet, "/api/v1/jobs", secret, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, CodeInvalidAPIKey, decodeBody(t, rr)["code"])
}

func TestAuthScopeForbidsWrites(t *testing.T) {
	env := newTestEnv(t)
	secret, _ := env.makeKey(t, env.tenant.ID, db.ScopeRead, "", 0)

	rr := env.request(t, http.MethodPost, "/api/v1/jobs", secret, validJobBody())
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, CodeForbidden, decodeBody(t, rr)["code"])

	// Reads still pass.
	rr = env.request(t, http.MethodGet, "/api/v1/jobs", secret, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestAuthIPAllowlist(t *testing.T) {
	env := newTestEnv(t)

	// httptest requests come from 192.0.2.1.
	blocked, _ := env.makeKey(t, env.tenant.ID, db.ScopeAdmin, `["10.0.0.0/8"]`, 0)
	rr := env.request(t, http.MethodGet, "/api/v1/jobs", blocked, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, CodeIPNotAllowed, decodeBody(t, rr)["code"])

	allowed, _ := env.makeKey(t, env.tenant.ID, db.ScopeAdmin, `["192.0.2.0/24"]`, 0)
	rr = env.request(t, http.MethodGet, "/api/v1/jobs", allowed, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestAuthDashboardToken(t *testing.T) {
	env := newTestEnv(t)
	token, err := env.dashboard.MintDashboardToken(env.tenant.ID, time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	req.Header.Set(auth.DashboardHeader, token)
	req.RemoteAddr = "127.0.0.1:9999"
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	// The same token from a non-loopback address is refused.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	req.Header.Set(auth.DashboardHeader, token)
	rr = httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

func TestJobCreate(t *testing.T) {
	env := newTestEnv(t)

	rr := env.request(t, http.MethodPost, "/api/v1/jobs", env.secret, validJobBody())
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	body := decodeBody(t, rr)
	assert.Equal(t, db.JobStatusQueued, body["status"])
	assert.NotEmpty(t, body["brokerId"])

	// Rate limit headers are present on the authenticated path.
	assert.NotEmpty(t, rr.Header().Get(HeaderRateLimit))
	assert.NotEmpty(t, rr.Header().Get(HeaderRateRemaining))
	assert.NotEmpty(t, rr.Header().Get(HeaderRateReset))

	id, err := uuid.Parse(body["id"].(string))
	require.NoError(t, err)
	job, err := env.jobs.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, env.tenant.ID, job.TenantID)
	require.NotNil(t, job.APIKeyID)
	assert.Equal(t, env.key.ID, *job.APIKeyID)

	depth, err := env.broker.QueueDepth(context.Background(), broker.QueueExports)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)
}

func TestJobCreateValidation(t *testing.T) {
	env := newTestEnv(t)

	rr := env.request(t, http.MethodPost, "/api/v1/jobs", env.secret, map[string]any{
		"type":    "pdf",
		"payload": map[string]any{"dataset": "audit_logs"},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, CodeValidation, decodeBody(t, rr)["code"])

	rr = env.request(t, http.MethodPost, "/api/v1/jobs", env.secret, map[string]any{
		"type":    "csv",
		"payload": map[string]any{"dataset": "secrets"},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, CodeValidation, decodeBody(t, rr)["code"])
}

func TestJobCreateLoopGuard(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 5; i++ {
		rr := env.request(t, http.MethodPost, "/api/v1/jobs", env.secret, validJobBody())
		require.Equal(t, http.StatusCreated, rr.Code, "submission %d", i+1)
	}

	rr := env.request(t, http.MethodPost, "/api/v1/jobs", env.secret, validJobBody())
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, CodeCircuitBreaker, decodeBody(t, rr)["code"])

	// A different export from the same key is unaffected.
	rr = env.request(t, http.MethodPost, "/api/v1/jobs", env.secret, map[string]any{
		"type":    "json",
		"payload": map[string]any{"dataset": "jobs"},
	})
	assert.Equal(t, http.StatusCreated, rr.Code)
}

func TestJobGetNotFound(t *testing.T) {
	env := newTestEnv(t)

	rr := env.request(t, http.MethodGet, "/api/v1/jobs/"+uuid.NewString(), env.secret, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, CodeJobNotFound, decodeBody(t, rr)["code"])

	rr = env.request(t, http.MethodGet, "/api/v1/jobs/not-a-uuid", env.secret, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, CodeJobNotFound, decodeBody(t, rr)["code"])
}

func TestJobCrossTenantIsInvisible(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	other := &db.Tenant{Name: "rival", ContactEmail: "rival@test", Plan: db.PlanFree}
	require.NoError(t, env.tenants.Create(ctx, other))
	job := &db.Job{TenantID: other.ID, Type: db.FormatCSV, Status: db.JobStatusQueued}
	require.NoError(t, env.jobs.Create(ctx, job))

	rr := env.request(t, http.MethodGet, "/api/v1/jobs/"+job.ID.String(), env.secret, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, CodeJobNotFound, decodeBody(t, rr)["code"])
}

func TestJobDownloadStates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	queued := &db.Job{TenantID: env.tenant.ID, Type: db.FormatCSV, Status: db.JobStatusQueued}
	require.NoError(t, env.jobs.Create(ctx, queued))
	rr := env.request(t, http.MethodGet, "/api/v1/jobs/"+queued.ID.String()+"/download", env.secret, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, CodeExportNotReady, decodeBody(t, rr)["code"])

	expired := &db.Job{TenantID: env.tenant.ID, Type: db.FormatCSV, Status: db.JobStatusQueued}
	require.NoError(t, env.jobs.Create(ctx, expired))
	require.NoError(t, env.jobs.CommitCompleted(ctx, expired.ID,
		db.Job{ResultKey: "exports/x/expired.csv", ResultFormat: db.FormatCSV}, now, now.Add(-time.Hour)))
	rr = env.request(t, http.MethodGet, "/api/v1/jobs/"+expired.ID.String()+"/download", env.secret, nil)
	assert.Equal(t, http.StatusGone, rr.Code)
	assert.Equal(t, CodeFileExpired, decodeBody(t, rr)["code"])

	ready := &db.Job{TenantID: env.tenant.ID, Type: db.FormatCSV, Status: db.JobStatusQueued}
	require.NoError(t, env.jobs.Create(ctx, ready))
	require.NoError(t, env.jobs.CommitCompleted(ctx, ready.ID,
		db.Job{ResultKey: "exports/x/ready.csv", ResultFormat: db.FormatCSV, ResultRows: 5}, now, now.Add(24*time.Hour)))
	rr = env.request(t, http.MethodGet, "/api/v1/jobs/"+ready.ID.String()+"/download", env.secret, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decodeBody(t, rr)
	assert.Contains(t, body["downloadUrl"], "exportd-test")
	assert.Contains(t, body["downloadUrl"], "ready.csv")
	assert.NotEmpty(t, body["expiresAt"])
}

func TestJobDownloadReportsObjectSize(t *testing.T) {
	// Stub object store whose HEAD answers with a fresh size, so the response
	// reflects storage rather than the row's snapshot.
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "2048")
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(stub.Close)

	env := newTestEnvStorage(t, stub.URL)
	ctx := context.Background()
	now := time.Now().UTC()

	job := &db.Job{TenantID: env.tenant.ID, Type: db.FormatCSV, Status: db.JobStatusQueued}
	require.NoError(t, env.jobs.Create(ctx, job))
	require.NoError(t, env.jobs.CommitCompleted(ctx, job.ID,
		db.Job{ResultKey: "exports/x/sized.csv", ResultFormat: db.FormatCSV, ResultBytes: 512}, now, now.Add(24*time.Hour)))

	rr := env.request(t, http.MethodGet, "/api/v1/jobs/"+job.ID.String()+"/download", env.secret, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.EqualValues(t, 2048, decodeBody(t, rr)["bytes"])
}

func TestJobListStatusFilter(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, status := range []string{db.JobStatusQueued, db.JobStatusQueued, db.JobStatusFailed} {
		job := &db.Job{TenantID: env.tenant.ID, Type: db.FormatCSV, Status: status}
		require.NoError(t, env.jobs.Create(ctx, job))
	}

	rr := env.request(t, http.MethodGet, "/api/v1/jobs?status=QUEUED", env.secret, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 2, decodeBody(t, rr)["total"])

	rr = env.request(t, http.MethodGet, "/api/v1/jobs?status=BOGUS", env.secret, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, CodeValidation, decodeBody(t, rr)["code"])
}

// -----------------------------------------------------------------------------
// Keys
// -----------------------------------------------------------------------------

func TestKeyLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rr := env.request(t, http.MethodPost, "/api/v1/keys", env.secret, map[string]any{
		"name":  "ci key",
		"scope": "WRITE",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decodeBody(t, rr)
	secret, _ := created["secret"].(string)
	assert.NotEmpty(t, secret)
	assert.NotEmpty(t, created["prefix"])
	assert.Equal(t, "WRITE", created["scope"])

	// The secret never appears again.
	rr = env.request(t, http.MethodGet, "/api/v1/keys", env.secret, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), secret)

	id := created["id"].(string)
	rr = env.request(t, http.MethodDelete, "/api/v1/keys/"+id, env.secret, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, decodeBody(t, rr)["success"])

	rr = env.request(t, http.MethodDelete, "/api/v1/keys/"+id, env.secret, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, CodeKeyAlreadyRevoked, decodeBody(t, rr)["code"])
}

func TestKeyCreateValidation(t *testing.T) {
	env := newTestEnv(t)

	rr := env.request(t, http.MethodPost, "/api/v1/keys", env.secret, map[string]any{"scope": "READ"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.request(t, http.MethodPost, "/api/v1/keys", env.secret, map[string]any{
		"name":         "bad cidr",
		"allowedCidrs": []string{"not-a-cidr"},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, CodeValidation, decodeBody(t, rr)["code"])
}

func TestKeyCrossTenantProbeSees404(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	other := &db.Tenant{Name: "rival", ContactEmail: "rival@test", Plan: db.PlanFree}
	require.NoError(t, env.tenants.Create(ctx, other))
	_, otherKey := env.makeKey(t, other.ID, db.ScopeAdmin, "", 0)

	rr := env.request(t, http.MethodDelete, "/api/v1/keys/"+otherKey.ID.String(), env.secret, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, CodeKeyNotFound, decodeBody(t, rr)["code"])
}

func TestKeyCreateScopeEscalationForbidden(t *testing.T) {
	env := newTestEnv(t)
	writeSecret, _ := env.makeKey(t, env.tenant.ID, db.ScopeWrite, "", 0)

	// A WRITE key may POST /keys, but not mint a key broader than itself.
	rr := env.request(t, http.MethodPost, "/api/v1/keys", writeSecret, map[string]any{
		"name":  "escalated",
		"scope": "ADMIN",
	})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, CodeForbidden, decodeBody(t, rr)["code"])

	// Same or narrower scope is fine.
	rr = env.request(t, http.MethodPost, "/api/v1/keys", writeSecret, map[string]any{
		"name":  "peer",
		"scope": "WRITE",
	})
	assert.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	rr = env.request(t, http.MethodPost, "/api/v1/keys", writeSecret, map[string]any{
		"name":  "narrower",
		"scope": "READ",
	})
	assert.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
}

func TestKeyRevokeReportsActiveJobs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, key := env.makeKey(t, env.tenant.ID, db.ScopeWrite, "", 0)

	for _, status := range []string{db.JobStatusQueued, db.JobStatusProcessing, db.JobStatusCompleted} {
		job := &db.Job{TenantID: env.tenant.ID, APIKeyID: &key.ID, Type: db.FormatCSV, Status: status}
		require.NoError(t, env.jobs.Create(ctx, job))
	}

	rr := env.request(t, http.MethodDelete, "/api/v1/keys/"+key.ID.String(), env.secret, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decodeBody(t, rr)
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 2, body["activeJobs"], "terminal jobs do not count")
}

// -----------------------------------------------------------------------------
// Schedules
// -----------------------------------------------------------------------------

func TestScheduleLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rr := env.request(t, http.MethodPost, "/api/v1/schedules", env.secret, map[string]any{
		"name":    "nightly jobs",
		"cron":    "0 3 * * *",
		"type":    "csv",
		"payload": map[string]any{"dataset": "jobs"},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decodeBody(t, rr)
	assert.Equal(t, true, created["active"])
	assert.NotEmpty(t, created["nextRunAt"])

	id := created["id"].(string)
	rr = env.request(t, http.MethodPatch, "/api/v1/schedules/"+id, env.secret, map[string]any{
		"active": false,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, false, decodeBody(t, rr)["active"])

	rr = env.request(t, http.MethodDelete, "/api/v1/schedules/"+id, env.secret, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, decodeBody(t, rr)["success"])

	rr = env.request(t, http.MethodGet, "/api/v1/schedules/"+id, env.secret, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, CodeScheduleNotFound, decodeBody(t, rr)["code"])
}

func TestScheduleRejectsSubHourlyCron(t *testing.T) {
	env := newTestEnv(t)

	rr := env.request(t, http.MethodPost, "/api/v1/schedules", env.secret, map[string]any{
		"name":    "too eager",
		"cron":    "*/5 * * * *",
		"type":    "csv",
		"payload": map[string]any{"dataset": "jobs"},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, CodeValidation, body["code"])
	assert.Contains(t, body["message"], "at least 1 hour")
}

// -----------------------------------------------------------------------------
// Rate limiting
// -----------------------------------------------------------------------------

func TestRateLimitPerKeyOverride(t *testing.T) {
	env := newTestEnv(t)
	secret, _ := env.makeKey(t, env.tenant.ID, db.ScopeAdmin, "", 2)

	for i := 0; i < 2; i++ {
		rr := env.request(t, http.MethodGet, "/api/v1/jobs", secret, nil)
		require.Equal(t, http.StatusOK, rr.Code, "request %d", i+1)
		assert.Equal(t, "2", rr.Header().Get(HeaderRateLimit))
	}

	rr := env.request(t, http.MethodGet, "/api/v1/jobs", secret, nil)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, CodeRateLimited, decodeBody(t, rr)["code"])
	assert.Equal(t, "0", rr.Header().Get(HeaderRateRemaining))
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
}

// -----------------------------------------------------------------------------
// Audit logs
// -----------------------------------------------------------------------------

func TestAuditLogsList(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, action := range []string{"job.created", "job.created", "key.revoked"} {
		require.NoError(t, env.audits.Create(ctx, &db.AuditLog{
			TenantID: env.tenant.ID,
			Actor:    "key:" + env.key.Prefix,
			Action:   action,
		}))
	}

	rr := env.request(t, http.MethodGet, "/api/v1/audit-logs?action=job.created", env.secret, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decodeBody(t, rr)
	assert.EqualValues(t, 2, body["total"])
	items := body["auditLogs"].([]any)
	require.Len(t, items, 2)
	first := items[0].(map[string]any)
	assert.Equal(t, "job.created", first["action"])
	assert.Equal(t, "key:"+env.key.Prefix, first["actor"])
}

// -----------------------------------------------------------------------------
// Account erasure
// -----------------------------------------------------------------------------

// emptyBucketStub answers S3 list calls with an empty bucket and accepts
// deletes, so the erasure flow's object sweep succeeds offline.
func emptyBucketStub(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/xml")
			_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>` +
				`<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">` +
				`<Name>exportd-test</Name><KeyCount>0</KeyCount><IsTruncated>false</IsTruncated>` +
				`</ListBucketResult>`))
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAccountDeletionConfirmEmailMismatch(t *testing.T) {
	env := newTestEnv(t)

	rr := env.request(t, http.MethodDelete, "/api/v1/account", env.secret,
		map[string]any{"confirmEmail": "wrong@example.com"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, CodeEmailMismatch, decodeBody(t, rr)["code"])
}

func TestAccountDeletionErasesAuditTrail(t *testing.T) {
	stub := emptyBucketStub(t)
	env := newTestEnvStorage(t, stub.URL)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, env.audits.Create(ctx, &db.AuditLog{
			TenantID: env.tenant.ID,
			Actor:    "key:" + env.key.Prefix,
			Action:   "job.created",
			Metadata: `{"type":"csv"}`,
			IP:       "203.0.113.9",
		}))
	}

	rr := env.request(t, http.MethodDelete, "/api/v1/account", env.secret,
		map[string]any{"confirmEmail": env.tenant.ContactEmail})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	body := decodeBody(t, rr)
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 2, body["auditLogsAnonymized"])

	// An error-free sweep reports an empty array, never null.
	objectErrs, ok := body["r2Errors"].([]any)
	require.True(t, ok, "r2Errors should be an array, got %T", body["r2Errors"])
	assert.Empty(t, objectErrs)

	// The anonymized rows survive, but none references the real tenant id.
	var linked int64
	require.NoError(t, env.gdb.Model(&db.AuditLog{}).
		Where("tenant_id = ?", env.tenant.ID).Count(&linked).Error)
	assert.Zero(t, linked)
	var remaining int64
	require.NoError(t, env.gdb.Model(&db.AuditLog{}).Count(&remaining).Error)
	assert.EqualValues(t, 2, remaining)
}

// -----------------------------------------------------------------------------
// Router surface
// -----------------------------------------------------------------------------

func TestRouteNotFoundEnvelope(t *testing.T) {
	env := newTestEnv(t)

	rr := env.request(t, http.MethodGet, "/definitely-not-a-route", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, CodeRouteNotFound, decodeBody(t, rr)["code"])
}

func TestCorrelationIDEchoed(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(HeaderCorrelationID, "corr-123")
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	assert.Equal(t, "corr-123", rr.Header().Get(HeaderCorrelationID))

	// Generated when absent.
	rr = env.request(t, http.MethodGet, "/health", "", nil)
	assert.NotEmpty(t, rr.Header().Get(HeaderCorrelationID))
}

func TestHealthReportsDependencies(t *testing.T) {
	env := newTestEnv(t)

	// The object-store endpoint is unreachable in tests, so the report goes
	// unhealthy while still carrying per-dependency statuses.
	rr := env.request(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
	body := decodeBody(t, rr)
	assert.Equal(t, "unhealthy", body["status"])

	deps := body["dependencies"].(map[string]any)
	assert.Equal(t, "healthy", deps["postgres"].(map[string]any)["status"])
	assert.Equal(t, "healthy", deps["redis"].(map[string]any)["status"])
	r2 := deps["r2"].(map[string]any)
	assert.Equal(t, "unhealthy", r2["status"])
	assert.NotEmpty(t, r2["error"])
}
