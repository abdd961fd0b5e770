package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/exportd-io/exportd/internal/db"
	"github.com/exportd-io/exportd/internal/exporter"
	"github.com/exportd-io/exportd/internal/repositories"
	"github.com/exportd-io/exportd/internal/schedule"
)

// ScheduleHandler manages recurring export schedules.
type ScheduleHandler struct {
	schedules repositories.ScheduleRepository
	audit     *Auditor
	logger    *zap.Logger
}

// NewScheduleHandler creates a ScheduleHandler.
func NewScheduleHandler(schedules repositories.ScheduleRepository, audit *Auditor, logger *zap.Logger) *ScheduleHandler {
	return &ScheduleHandler{schedules: schedules, audit: audit, logger: logger.Named("schedules")}
}

type createScheduleRequest struct {
	Name    string          `json:"name"`
	Cron    string          `json:"cron"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type updateScheduleRequest struct {
	Name    *string          `json:"name"`
	Cron    *string          `json:"cron"`
	Type    *string          `json:"type"`
	Payload *json.RawMessage `json:"payload"`
	Active  *bool            `json:"active"`
}

type scheduleResponse struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Cron      string          `json:"cron"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"createdAt"`
	LastRunAt *time.Time      `json:"lastRunAt,omitempty"`
	NextRunAt *time.Time      `json:"nextRunAt,omitempty"`
}

func toScheduleResponse(s *db.Schedule) scheduleResponse {
	payload := json.RawMessage(s.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return scheduleResponse{
		ID:        s.ID.String(),
		Name:      s.Name,
		Cron:      s.Cron,
		Type:      s.Type,
		Payload:   payload,
		Active:    s.Active,
		CreatedAt: s.CreatedAt.UTC(),
		LastRunAt: s.LastRunAt,
		NextRunAt: s.NextRunAt,
	}
}

// Create handles POST /api/v1/schedules. The response carries the first
// computed next-run so clients can verify the cadence immediately.
func (h *ScheduleHandler) Create(w http.ResponseWriter, r *http.Request) {
	cred := credentialFromCtx(r.Context())

	var req createScheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrValidation(w, "name is required")
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
	sched, err := schedule.ParseCron(req.Cron)
	if err != nil {
		ErrValidation(w, err.Error())
		return
	}

	next := sched.Next(time.Now().UTC())
	row := &db.Schedule{
		TenantID:  cred.Tenant.ID,
		Name:      req.Name,
		Cron:      req.Cron,
		Type:      req.Type,
		Payload:   []byte(req.Payload),
		Active:    true,
		NextRunAt: &next,
	}
	if err := h.schedules.Create(r.Context(), row); err != nil {
		h.logger.Error("failed to create schedule", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.audit.Record(r, cred, "schedule.created", "schedule", row.ID.String(), map[string]any{"cron": row.Cron})
	JSON(w, http.StatusCreated, toScheduleResponse(row))
}

// List handles GET /api/v1/schedules.
func (h *ScheduleHandler) List(w http.ResponseWriter, r *http.Request) {
	cred := credentialFromCtx(r.Context())

	opts := listOptions(r)
	schedules, total, err := h.schedules.ListByTenant(r.Context(), cred.Tenant.ID, opts)
	if err != nil {
		ErrInternal(w)
		return
	}

	items := make([]scheduleResponse, len(schedules))
	for i := range schedules {
		items[i] = toScheduleResponse(&schedules[i])
	}
	JSON(w, http.StatusOK, map[string]any{
		"schedules": items,
		"total":     total,
		"limit":     opts.Limit,
		"offset":    opts.Offset,
	})
}

// Get handles GET /api/v1/schedules/{id}.
func (h *ScheduleHandler) Get(w http.ResponseWriter, r *http.Request) {
	cred := credentialFromCtx(r.Context())

	row, ok := h.scheduleForTenant(w, r, cred.Tenant.ID)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, toScheduleResponse(row))
}

// Update handles PATCH /api/v1/schedules/{id}. A cron change recomputes the
// next run; flipping Active back on does too, so a long-disabled schedule does
// not fire immediately for every missed slot.
func (h *ScheduleHandler) Update(w http.ResponseWriter, r *http.Request) {
	cred := credentialFromCtx(r.Context())

	row, ok := h.scheduleForTenant(w, r, cred.Tenant.ID)
	if !ok {
		return
	}

	var req updateScheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	recompute := false
	if req.Name != nil {
		if *req.Name == "" {
			ErrValidation(w, "name must not be empty")
			return
		}
		row.Name = *req.Name
	}
	if req.Cron != nil {
		if _, err := schedule.ParseCron(*req.Cron); err != nil {
			ErrValidation(w, err.Error())
			return
		}
		row.Cron = *req.Cron
		recompute = true
	}
	if req.Type != nil {
		switch *req.Type {
		case db.FormatCSV, db.FormatJSON, db.FormatXLSX:
		default:
			ErrValidation(w, "type must be one of csv, json, xlsx")
			return
		}
		row.Type = *req.Type
	}
	if req.Payload != nil {
		if _, err := exporter.ParseRequest(*req.Payload); err != nil {
			ErrValidation(w, err.Error())
			return
		}
		row.Payload = []byte(*req.Payload)
	}
	if req.Active != nil {
		if *req.Active && !row.Active {
			recompute = true
		}
		row.Active = *req.Active
	}

	if recompute {
		next, err := schedule.NextRun(row.Cron, time.Now().UTC())
		if err != nil {
			ErrValidation(w, err.Error())
			return
		}
		row.NextRunAt = &next
	}

	if err := h.schedules.Update(r.Context(), row); err != nil {
		h.logger.Error("failed to update schedule", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.audit.Record(r, cred, "schedule.updated", "schedule", row.ID.String(), nil)
	JSON(w, http.StatusOK, toScheduleResponse(row))
}

// Delete handles DELETE /api/v1/schedules/{id}.
func (h *ScheduleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	cred := credentialFromCtx(r.Context())

	row, ok := h.scheduleForTenant(w, r, cred.Tenant.ID)
	if !ok {
		return
	}
	if err := h.schedules.Delete(r.Context(), cred.Tenant.ID, row.ID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			Err(w, http.StatusNotFound, "schedule not found", CodeScheduleNotFound, "")
			return
		}
		ErrInternal(w)
		return
	}

	h.audit.Record(r, cred, "schedule.deleted", "schedule", row.ID.String(), nil)
	JSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *ScheduleHandler) scheduleForTenant(w http.ResponseWriter, r *http.Request, tenantID uuid.UUID) (*db.Schedule, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		Err(w, http.StatusNotFound, "schedule not found", CodeScheduleNotFound, "")
		return nil, false
	}
	row, err := h.schedules.GetForTenant(r.Context(), tenantID, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			Err(w, http.StatusNotFound, "schedule not found", CodeScheduleNotFound, "")
			return nil, false
		}
		ErrInternal(w)
		return nil, false
	}
	return row, true
}
