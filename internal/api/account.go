package api

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"

	"github.com/exportd-io/exportd/internal/db"
	"github.com/exportd-io/exportd/internal/notification"
	"github.com/exportd-io/exportd/internal/repositories"
	"github.com/exportd-io/exportd/internal/storage"
)

// AccountHandler serves the account-level operations: the portable data
// export and the irreversible account deletion.
type AccountHandler struct {
	tenants   repositories.TenantRepository
	keys      repositories.APIKeyRepository
	schedules repositories.ScheduleRepository
	accounts  repositories.AccountRepository
	audits    repositories.AuditRepository
	store     *storage.Store
	notifier  *notification.Service
	audit     *Auditor
	logger    *zap.Logger
}

// AccountHandlerConfig wires an AccountHandler.
type AccountHandlerConfig struct {
	Tenants   repositories.TenantRepository
	Keys      repositories.APIKeyRepository
	Schedules repositories.ScheduleRepository
	Accounts  repositories.AccountRepository
	Audits    repositories.AuditRepository
	Store     *storage.Store
	Notifier  *notification.Service
	Audit     *Auditor
	Logger    *zap.Logger
}

// NewAccountHandler creates an AccountHandler.
func NewAccountHandler(cfg AccountHandlerConfig) *AccountHandler {
	return &AccountHandler{
		tenants:   cfg.Tenants,
		keys:      cfg.Keys,
		schedules: cfg.Schedules,
		accounts:  cfg.Accounts,
		audits:    cfg.Audits,
		store:     cfg.Store,
		notifier:  cfg.Notifier,
		audit:     cfg.Audit,
		logger:    cfg.Logger.Named("account"),
	}
}

// accountArchive is the portable snapshot written to object storage. Secrets
// never appear: keys carry only prefix and metadata.
type accountArchive struct {
	ExportedAt time.Time          `json:"exportedAt"`
	Tenant     archiveTenant      `json:"tenant"`
	Keys       []keyResponse      `json:"apiKeys"`
	Schedules  []scheduleResponse `json:"schedules"`
	Members    []archiveMember    `json:"teamMembers"`
}

type archiveTenant struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	ContactEmail        string `json:"contactEmail"`
	Plan                string `json:"plan"`
	RetentionDays       int    `json:"retentionDays"`
	TransactionalEmails bool   `json:"transactionalEmails"`
	MarketingEmails     bool   `json:"marketingEmails"`
	WebhookURL          string `json:"webhookUrl,omitempty"`
	WebhookActive       bool   `json:"webhookActive"`
}

type archiveMember struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// DataExport handles GET /api/v1/account/data-export: a full JSON snapshot of
// the account, uploaded to object storage and returned as a 24-hour URL.
func (h *AccountHandler) DataExport(w http.ResponseWriter, r *http.Request) {
	cred := credentialFromCtx(r.Context())
	tenant := cred.Tenant

	archive := accountArchive{
		ExportedAt: time.Now().UTC(),
		Tenant: archiveTenant{
			ID:                  tenant.ID.String(),
			Name:                tenant.Name,
			ContactEmail:        tenant.ContactEmail,
			Plan:                tenant.Plan,
			RetentionDays:       tenant.RetentionDays,
			TransactionalEmails: tenant.TransactionalEmails,
			MarketingEmails:     tenant.MarketingEmails,
			WebhookURL:          tenant.WebhookURL,
			WebhookActive:       tenant.WebhookActive,
		},
		Keys:      []keyResponse{},
		Schedules: []scheduleResponse{},
		Members:   []archiveMember{},
	}

	keys, _, err := h.keys.ListByTenant(r.Context(), tenant.ID, repositories.ListOptions{Limit: 1000})
	if err != nil {
		h.logger.Error("data export: failed to list keys", zap.Error(err))
		ErrInternal(w)
		return
	}
	for i := range keys {
		archive.Keys = append(archive.Keys, toKeyResponse(&keys[i]))
	}

	schedules, _, err := h.schedules.ListByTenant(r.Context(), tenant.ID, repositories.ListOptions{Limit: 1000})
	if err != nil {
		h.logger.Error("data export: failed to list schedules", zap.Error(err))
		ErrInternal(w)
		return
	}
	for i := range schedules {
		archive.Schedules = append(archive.Schedules, toScheduleResponse(&schedules[i]))
	}

	members, err := h.accounts.ListTeamMembers(r.Context(), tenant.ID)
	if err != nil {
		h.logger.Error("data export: failed to list members", zap.Error(err))
		ErrInternal(w)
		return
	}
	for _, m := range members {
		if m.AnonymizedAt != nil {
			continue
		}
		archive.Members = append(archive.Members, archiveMember{Email: m.Email, Role: m.Role})
	}

	key := storage.DataExportKey(tenant.ID.String(), time.Now().UTC())
	upload, err := h.store.StartUpload(r.Context(), key, db.FormatJSON)
	if err != nil {
		h.logger.Error("data export: failed to start upload", zap.Error(err))
		ErrInternal(w)
		return
	}
	enc := json.NewEncoder(upload)
	enc.SetIndent("", "  ")
	if err := enc.Encode(archive); err != nil {
		upload.Abort()
		h.logger.Error("data export: failed to encode archive", zap.Error(err))
		ErrInternal(w)
		return
	}
	if err := upload.Close(); err != nil {
		h.logger.Error("data export: failed to finish upload", zap.Error(err))
		ErrInternal(w)
		return
	}

	url, expiresAt, err := h.store.PresignDownload(r.Context(), key, storage.EmailURLTTL)
	if err != nil {
		h.logger.Error("data export: failed to presign", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.audit.Record(r, cred, "account.data_export", "tenant", tenant.ID.String(), nil)

	if h.notifier != nil {
		if err := h.notifier.DataExportReady(r.Context(), tenant.ID, url, expiresAt); err != nil {
			h.logger.Warn("data export: notification failed", zap.Error(err))
		}
	}

	JSON(w, http.StatusOK, map[string]any{
		"downloadUrl": url,
		"expiresAt":   expiresAt.Format(time.RFC3339),
		"fileSize":    upload.BytesWritten(),
	})
}

// anonymizedIdentity derives the irreversible replacements written over
// erased audit entries: a stand-in tenant id (the first hash bytes, so the
// real id leaves the table) and an actor string. Deterministic per tenant so
// an erased tenant's rows stay correlated with each other; argon2id makes
// reversing either value to the id impractical even if the id space were
// small. The actor prefix keeps the value recognizable in the table.
func anonymizedIdentity(id uuid.UUID) (uuid.UUID, string) {
	sum := argon2.IDKey(id[:], []byte("exportd-erased"), 1, 64*1024, 4, 24)
	anonID, err := uuid.FromBytes(sum[:16])
	if err != nil {
		// Unreachable with a 16-byte slice; keep the erasure deterministic
		// anyway.
		anonID = uuid.NewSHA1(uuid.NameSpaceOID, sum)
	}
	return anonID, "anon:" + hex.EncodeToString(sum[16:])
}

type deleteAccountRequest struct {
	ConfirmEmail string `json:"confirmEmail"`
}

// DeleteAccount handles DELETE /api/v1/account: the full erasure flow.
// Ordering matters: objects first (retryable if the DB delete later fails),
// then audit anonymization on the privileged session, then the cascading row
// delete, then the confirmation email to the address captured beforehand.
func (h *AccountHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	cred := credentialFromCtx(r.Context())
	tenant := cred.Tenant

	var req deleteAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ConfirmEmail != tenant.ContactEmail {
		Err(w, http.StatusBadRequest, "confirmation email does not match the account", CodeEmailMismatch, "")
		return
	}

	// Re-read the row: a concurrent deletion should surface as 404, not as a
	// second cascade over missing rows.
	current, err := h.tenants.GetByID(r.Context(), tenant.ID)
	if err != nil {
		Err(w, http.StatusNotFound, "account not found", CodeCustomerNotFound, "")
		return
	}
	contactEmail := current.ContactEmail
	tenantName := current.Name

	objectsDeleted := 0
	// Initialized so the response field marshals as [] rather than null when
	// every object delete succeeds.
	objectErrs := []string{}
	for _, prefix := range storage.TenantPrefixes(tenant.ID.String()) {
		deleted, errs := h.store.DeletePrefix(r.Context(), prefix)
		objectsDeleted += deleted
		for _, e := range errs {
			objectErrs = append(objectErrs, e.Error())
		}
	}

	anonID, anonActor := anonymizedIdentity(tenant.ID)
	anonymized, err := h.audits.AnonymizeTenant(r.Context(), tenant.ID, anonID, anonActor)
	if err != nil {
		h.logger.Error("deletion: failed to anonymize audit entries", zap.Error(err))
		Err(w, http.StatusInternalServerError, "account deletion failed", CodeDeletionFailed, "")
		return
	}

	if err := h.tenants.Delete(r.Context(), tenant.ID); err != nil {
		h.logger.Error("deletion: failed to delete tenant", zap.Error(err))
		Err(w, http.StatusInternalServerError, "account deletion failed", CodeDeletionFailed, "")
		return
	}

	h.logger.Info("account deleted",
		zap.String("tenant_id", tenant.ID.String()),
		zap.Int("objects_deleted", objectsDeleted),
		zap.Int64("audit_logs_anonymized", anonymized),
		zap.Int("object_errors", len(objectErrs)),
	)

	// The tenant row is gone; the confirmation goes straight to the captured
	// address.
	if h.notifier != nil {
		if err := h.notifier.DeletionConfirmation(contactEmail, tenantName); err != nil {
			h.logger.Warn("deletion: confirmation email failed", zap.Error(err))
		}
	}

	JSON(w, http.StatusOK, map[string]any{
		"success":             true,
		"r2ObjectsDeleted":    objectsDeleted,
		"auditLogsAnonymized": anonymized,
		"r2Errors":            objectErrs,
	})
}
