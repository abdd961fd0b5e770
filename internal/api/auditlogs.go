package api

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/exportd-io/exportd/internal/repositories"
)

// AuditLogHandler serves the tenant's audit trail, read-only.
type AuditLogHandler struct {
	audits repositories.AuditRepository
	logger *zap.Logger
}

// NewAuditLogHandler creates an AuditLogHandler.
func NewAuditLogHandler(audits repositories.AuditRepository, logger *zap.Logger) *AuditLogHandler {
	return &AuditLogHandler{audits: audits, logger: logger.Named("auditlogs")}
}

type auditLogResponse struct {
	ID         string          `json:"id"`
	Actor      string          `json:"actor"`
	Action     string          `json:"action"`
	TargetType string          `json:"targetType,omitempty"`
	TargetID   string          `json:"targetId,omitempty"`
	Metadata   json.RawMessage `json:"metadata"`
	IP         string          `json:"ip,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// List handles GET /api/v1/audit-logs?action&targetType&limit&offset.
func (h *AuditLogHandler) List(w http.ResponseWriter, r *http.Request) {
	cred := credentialFromCtx(r.Context())

	opts := listOptions(r)
	filter := repositories.AuditListFilter{
		Action:     r.URL.Query().Get("action"),
		TargetType: r.URL.Query().Get("targetType"),
	}

	entries, total, err := h.audits.List(r.Context(), cred.Tenant.ID, filter, opts)
	if err != nil {
		h.logger.Error("failed to list audit logs", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]auditLogResponse, len(entries))
	for i, e := range entries {
		meta := json.RawMessage(e.Metadata)
		if len(meta) == 0 {
			meta = json.RawMessage("{}")
		}
		items[i] = auditLogResponse{
			ID:         e.ID.String(),
			Actor:      e.Actor,
			Action:     e.Action,
			TargetType: e.TargetType,
			TargetID:   e.TargetID,
			Metadata:   meta,
			IP:         e.IP,
			CreatedAt:  e.CreatedAt.UTC(),
		}
	}
	JSON(w, http.StatusOK, map[string]any{
		"auditLogs": items,
		"total":     total,
		"limit":     opts.Limit,
		"offset":    opts.Offset,
	})
}
