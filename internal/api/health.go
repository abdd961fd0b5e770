package api

import (
	"context"
	"net/http"
	"time"

	"gorm.io/gorm"

	"github.com/exportd-io/exportd/internal/broker"
	"github.com/exportd-io/exportd/internal/health"
	"github.com/exportd-io/exportd/internal/storage"
)

// HealthHandler serves the unauthenticated /health endpoint.
type HealthHandler struct {
	probes []health.Probe
}

// NewHealthHandler builds probes for the three hard dependencies. The wire
// names are the dependency products, not the internal packages.
func NewHealthHandler(gdb *gorm.DB, b *broker.Broker, store *storage.Store) *HealthHandler {
	return &HealthHandler{probes: []health.Probe{
		{Name: "postgres", Check: func(ctx context.Context) error {
			sqlDB, err := gdb.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}},
		{Name: "redis", Check: b.Ping},
		{Name: "r2", Check: store.Ping},
	}}
}

// Serve handles GET /health. Healthy is 200; any failing dependency flips the
// response to 503 while still reporting every dependency's status and latency.
// The response is never cacheable.
func (h *HealthHandler) Serve(w http.ResponseWriter, r *http.Request) {
	results, healthy := health.Report(r.Context(), h.probes)

	status := http.StatusOK
	overall := health.StatusHealthy
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = health.StatusUnhealthy
	}
	w.Header().Set("Cache-Control", "no-store")
	JSON(w, status, map[string]any{
		"status":       overall,
		"time":         time.Now().UTC().Format(time.RFC3339),
		"dependencies": results,
	})
}
