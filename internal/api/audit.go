package api

import (
	"encoding/json"
	"net/http"

	"github.com/exportd-io/exportd/internal/audit"
	"github.com/exportd-io/exportd/internal/auth"
	"github.com/exportd-io/exportd/internal/db"
)

// Auditor adapts the background audit recorder to the handler surface,
// filling in actor and source address from the request.
type Auditor struct {
	rec *audit.Recorder
}

// NewAuditor wraps a recorder.
func NewAuditor(rec *audit.Recorder) *Auditor {
	return &Auditor{rec: rec}
}

// Record queues one audit entry for the authenticated request. metadata may be
// nil. Never blocks and never fails the request.
func (a *Auditor) Record(r *http.Request, cred *auth.Credential, action, targetType, targetID string, metadata map[string]any) {
	if a == nil || a.rec == nil || cred == nil {
		return
	}

	actor := "dashboard"
	if cred.Key != nil {
		actor = "key:" + cred.Key.Prefix
	}

	meta := "{}"
	if len(metadata) > 0 {
		if raw, err := json.Marshal(metadata); err == nil {
			meta = string(raw)
		}
	}

	a.rec.Record(db.AuditLog{
		TenantID:   cred.Tenant.ID,
		Actor:      actor,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Metadata:   meta,
		IP:         auth.RemoteIP(r),
	})
}
