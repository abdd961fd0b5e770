package api

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/exportd-io/exportd/internal/repositories"
	"github.com/exportd-io/exportd/internal/websocket"
)

// WSHandler upgrades authenticated clients onto the realtime hub.
type WSHandler struct {
	hub    *websocket.Hub
	jobs   repositories.JobRepository
	logger *zap.Logger
}

// NewWSHandler creates a WSHandler.
func NewWSHandler(hub *websocket.Hub, jobs repositories.JobRepository, logger *zap.Logger) *WSHandler {
	return &WSHandler{hub: hub, jobs: jobs, logger: logger.Named("ws")}
}

// Serve handles GET /api/v1/ws?jobs=<id>,<id>. Every client gets its tenant
// topic; job topics are added only after an ownership check, so a guessed job
// id from another tenant subscribes to nothing.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	cred := credentialFromCtx(r.Context())

	topics := []string{"tenant:" + cred.Tenant.ID.String()}
	if raw := r.URL.Query().Get("jobs"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			id, err := uuid.Parse(strings.TrimSpace(part))
			if err != nil {
				continue
			}
			if _, err := h.jobs.GetForTenant(r.Context(), cred.Tenant.ID, id); err != nil {
				continue
			}
			topics = append(topics, "job:"+id.String())
		}
	}

	client, err := websocket.NewClient(h.hub, w, r, topics, h.logger)
	if err != nil {
		// Upgrade already wrote its own error response.
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client.Run()
}
