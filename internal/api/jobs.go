package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/exportd-io/exportd/internal/broker"
	"github.com/exportd-io/exportd/internal/db"
	"github.com/exportd-io/exportd/internal/exporter"
	"github.com/exportd-io/exportd/internal/metrics"
	"github.com/exportd-io/exportd/internal/ratelimit"
	"github.com/exportd-io/exportd/internal/repositories"
	"github.com/exportd-io/exportd/internal/storage"
	"github.com/exportd-io/exportd/internal/worker"
)

// JobHandler serves the job admission and inspection endpoints.
type JobHandler struct {
	jobs      repositories.JobRepository
	broker    *broker.Broker
	store     *storage.Store
	loopGuard *ratelimit.LoopGuard
	audit     *Auditor
	logger    *zap.Logger
}

// NewJobHandler creates a JobHandler.
func NewJobHandler(jobs repositories.JobRepository, b *broker.Broker, store *storage.Store, guard *ratelimit.LoopGuard, audit *Auditor, logger *zap.Logger) *JobHandler {
	return &JobHandler{
		jobs:      jobs,
		broker:    b,
		store:     store,
		loopGuard: guard,
		audit:     audit,
		logger:    logger.Named("jobs"),
	}
}

type createJobRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// jobResponse is the wire shape of a job.
type jobResponse struct {
	ID        string     `json:"id"`
	Status    string     `json:"status"`
	Progress  int        `json:"progress"`
	Type      string     `json:"type"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	Result    *jobResult `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
}

type jobResult struct {
	Key           string     `json:"key"`
	Bytes         int64      `json:"bytes"`
	Rows          int64      `json:"rows"`
	Format        string     `json:"format"`
	FileExpiresAt *time.Time `json:"fileExpiresAt,omitempty"`
}

func toJobResponse(job *db.Job) jobResponse {
	resp := jobResponse{
		ID:        job.ID.String(),
		Status:    job.Status,
		Progress:  job.Progress,
		Type:      job.Type,
		CreatedAt: job.CreatedAt.UTC(),
		UpdatedAt: job.UpdatedAt.UTC(),
		Error:     job.Error,
	}
	if job.Status == db.JobStatusCompleted {
		resp.Result = &jobResult{
			Key:           job.ResultKey,
			Bytes:         job.ResultBytes,
			Rows:          job.ResultRows,
			Format:        job.ResultFormat,
			FileExpiresAt: job.FileExpiresAt,
		}
	}
	return resp
}

// Create handles POST /api/v1/jobs: validate, loop-guard, write the row,
// enqueue with plan priority. The row write comes first; a row whose enqueue
// failed is a ghost the sweep reconciles.
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	cred := credentialFromCtx(r.Context())

	var req createJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	switch req.Type {
	case db.FormatCSV, db.FormatJSON, db.FormatXLSX:
	default:
		ErrValidation(w, "type must be one of csv, json, xlsx")
		return
	}
	if _, err := exporter.ParseRequest(req.Payload); err != nil {
		ErrValidation(w, err.Error())
		return
	}

	// The loop guard hashes the normalized request so formatting differences
	// do not split a runaway caller across counters.
	normalized, err := json.Marshal(req)
	if err != nil {
		ErrInternal(w)
		return
	}
	if !cred.Internal && h.loopGuard.Check(r.Context(), cred.Key.ID.String(), normalized) {
		metrics.RateLimitRejections.WithLabelValues("loop_guard").Inc()
		Err(w, http.StatusTooManyRequests, "identical export submitted too many times", CodeCircuitBreaker, "")
		return
	}

	job := &db.Job{
		TenantID: cred.Tenant.ID,
		Type:     req.Type,
		Payload:  []byte(req.Payload),
		Status:   db.JobStatusQueued,
	}
	if cred.Key != nil {
		keyID := cred.Key.ID
		job.APIKeyID = &keyID
	}
	if err := h.jobs.Create(r.Context(), job); err != nil {
		h.logger.Error("failed to create job", zap.Error(err))
		ErrInternal(w)
		return
	}

	brokerID, err := worker.EnqueueExport(r.Context(), h.broker, job.ID, worker.PriorityForPlan(cred.Tenant.Plan))
	if err != nil {
		// The QUEUED row stays behind; the ghost sweep fails it if no event
		// ever arrives.
		h.logger.Error("failed to enqueue job", zap.String("job_id", job.ID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	if err := h.jobs.SetBrokerID(r.Context(), job.ID, brokerID); err != nil {
		h.logger.Warn("failed to record broker id", zap.String("job_id", job.ID.String()), zap.Error(err))
	}

	h.audit.Record(r, cred, "job.created", "job", job.ID.String(), map[string]any{"type": job.Type})

	JSON(w, http.StatusCreated, map[string]any{
		"id":       job.ID.String(),
		"brokerId": brokerID,
		"status":   job.Status,
	})
}

// Get handles GET /api/v1/jobs/{id}.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	cred := credentialFromCtx(r.Context())

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		Err(w, http.StatusNotFound, "job not found", CodeJobNotFound, "")
		return
	}
	job, err := h.jobs.GetForTenant(r.Context(), cred.Tenant.ID, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			Err(w, http.StatusNotFound, "job not found", CodeJobNotFound, "")
			return
		}
		ErrInternal(w)
		return
	}
	JSON(w, http.StatusOK, toJobResponse(job))
}

// List handles GET /api/v1/jobs?status&limit&offset.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	cred := credentialFromCtx(r.Context())

	opts := listOptions(r)
	filter := repositories.JobListFilter{Status: r.URL.Query().Get("status")}
	switch filter.Status {
	case "", db.JobStatusQueued, db.JobStatusProcessing, db.JobStatusCompleted, db.JobStatusFailed:
	default:
		ErrValidation(w, "unknown status filter")
		return
	}

	jobs, total, err := h.jobs.List(r.Context(), cred.Tenant.ID, filter, opts)
	if err != nil {
		ErrInternal(w)
		return
	}

	items := make([]jobResponse, len(jobs))
	for i := range jobs {
		items[i] = toJobResponse(&jobs[i])
	}
	JSON(w, http.StatusOK, map[string]any{
		"jobs":   items,
		"total":  total,
		"limit":  opts.Limit,
		"offset": opts.Offset,
	})
}

// Download handles GET /api/v1/jobs/{id}/download: a fresh 1-hour signed URL
// for a completed, unexpired export.
func (h *JobHandler) Download(w http.ResponseWriter, r *http.Request) {
	cred := credentialFromCtx(r.Context())

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		Err(w, http.StatusNotFound, "job not found", CodeJobNotFound, "")
		return
	}
	job, err := h.jobs.GetForTenant(r.Context(), cred.Tenant.ID, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			Err(w, http.StatusNotFound, "job not found", CodeJobNotFound, "")
			return
		}
		ErrInternal(w)
		return
	}

	if job.Status != db.JobStatusCompleted {
		Err(w, http.StatusBadRequest, "export has not completed", CodeExportNotReady, "")
		return
	}
	if job.FileExpiresAt != nil && job.FileExpiresAt.Before(time.Now().UTC()) {
		Err(w, http.StatusGone, "export file has expired", CodeFileExpired, "")
		return
	}

	url, expiresAt, err := h.store.PresignDownload(r.Context(), job.ResultKey, storage.DownloadURLTTL)
	if err != nil {
		h.logger.Error("failed to presign download", zap.String("job_id", job.ID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	// Byte size refreshed from storage when reachable; the row's snapshot is
	// the fallback so a storage hiccup does not block link issuance.
	size := job.ResultBytes
	if n, err := h.store.Head(r.Context(), job.ResultKey); err == nil {
		size = n
	}

	JSON(w, http.StatusOK, map[string]any{
		"downloadUrl":   url,
		"bytes":         size,
		"expiresAt":     expiresAt.Format(time.RFC3339),
		"fileExpiresAt": job.FileExpiresAt,
	})
}

// listOptions parses limit/offset query params with sane bounds.
func listOptions(r *http.Request) repositories.ListOptions {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return repositories.ListOptions{Limit: limit, Offset: offset}
}
