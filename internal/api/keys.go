package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/exportd-io/exportd/internal/auth"
	"github.com/exportd-io/exportd/internal/db"
	"github.com/exportd-io/exportd/internal/repositories"
)

// KeyHandler manages API keys for the authenticated tenant.
type KeyHandler struct {
	keys   repositories.APIKeyRepository
	jobs   repositories.JobRepository
	audit  *Auditor
	logger *zap.Logger
}

// NewKeyHandler creates a KeyHandler.
func NewKeyHandler(keys repositories.APIKeyRepository, jobs repositories.JobRepository, audit *Auditor, logger *zap.Logger) *KeyHandler {
	return &KeyHandler{keys: keys, jobs: jobs, audit: audit, logger: logger.Named("keys")}
}

type createKeyRequest struct {
	Name            string     `json:"name"`
	Scope           string     `json:"scope"`
	AllowedCIDRs    []string   `json:"allowedCidrs"`
	RateLimitPerMin int        `json:"rateLimitPerMin"`
	ExpiresAt       *time.Time `json:"expiresAt"`
}

type updateKeyRequest struct {
	Name            *string   `json:"name"`
	Scope           *string   `json:"scope"`
	AllowedCIDRs    *[]string `json:"allowedCidrs"`
	RateLimitPerMin *int      `json:"rateLimitPerMin"`
}

// keyResponse never carries the secret; only Create returns it, once.
type keyResponse struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Prefix          string     `json:"prefix"`
	Scope           string     `json:"scope"`
	AllowedCIDRs    []string   `json:"allowedCidrs"`
	RateLimitPerMin int        `json:"rateLimitPerMin"`
	IsRevoked       bool       `json:"isRevoked"`
	CreatedAt       time.Time  `json:"createdAt"`
	RevokedAt       *time.Time `json:"revokedAt,omitempty"`
	LastUsedAt      *time.Time `json:"lastUsedAt,omitempty"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
}

func toKeyResponse(key *db.APIKey) keyResponse {
	cidrs := []string{}
	_ = json.Unmarshal([]byte(key.AllowedCIDRs), &cidrs)
	return keyResponse{
		ID:              key.ID.String(),
		Name:            key.Name,
		Prefix:          key.Prefix,
		Scope:           key.Scope,
		AllowedCIDRs:    cidrs,
		RateLimitPerMin: key.RateLimitPerMin,
		IsRevoked:       key.IsRevoked,
		CreatedAt:       key.CreatedAt.UTC(),
		RevokedAt:       key.RevokedAt,
		LastUsedAt:      key.LastUsedAt,
		ExpiresAt:       key.ExpiresAt,
	}
}

func validScope(scope string) bool {
	switch scope {
	case db.ScopeRead, db.ScopeWrite, db.ScopeAdmin:
		return true
	}
	return false
}

// validateCIDRs rejects malformed entries at write time; the allowlist check
// at request time skips anything unparsable, but bad input should not be
// storable in the first place.
func validateCIDRs(cidrs []string) error {
	for _, c := range cidrs {
		if _, err := netip.ParsePrefix(c); err != nil {
			return errors.New("invalid CIDR: " + c)
		}
	}
	return nil
}

// Create handles POST /api/v1/keys. The plaintext secret appears in this
// response and nowhere else.
func (h *KeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	cred := credentialFromCtx(r.Context())

	var req createKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrValidation(w, "name is required")
		return
	}
	if req.Scope == "" {
		req.Scope = db.ScopeRead
	}
	if !validScope(req.Scope) {
		ErrValidation(w, "scope must be one of READ, WRITE, ADMIN")
		return
	}
	// A key cannot mint another key broader than itself; without this a
	// WRITE key could escalate to ADMIN through POST /keys.
	if !auth.ScopeWithin(req.Scope, cred.Scope) {
		Err(w, http.StatusForbidden, "requested scope exceeds the caller's scope", CodeForbidden, "")
		return
	}
	if err := validateCIDRs(req.AllowedCIDRs); err != nil {
		ErrValidation(w, err.Error())
		return
	}
	if req.RateLimitPerMin < 0 {
		ErrValidation(w, "rateLimitPerMin must not be negative")
		return
	}
	if req.ExpiresAt != nil && req.ExpiresAt.Before(time.Now().UTC()) {
		ErrValidation(w, "expiresAt must be in the future")
		return
	}

	secret, prefix, digest, err := auth.GenerateSecret()
	if err != nil {
		h.logger.Error("failed to generate key secret", zap.Error(err))
		ErrInternal(w)
		return
	}

	cidrs := req.AllowedCIDRs
	if cidrs == nil {
		cidrs = []string{}
	}
	rawCIDRs, _ := json.Marshal(cidrs)

	key := &db.APIKey{
		TenantID:        cred.Tenant.ID,
		Name:            req.Name,
		Prefix:          prefix,
		Digest:          digest,
		Scope:           req.Scope,
		AllowedCIDRs:    string(rawCIDRs),
		RateLimitPerMin: req.RateLimitPerMin,
		ExpiresAt:       req.ExpiresAt,
	}
	if err := h.keys.Create(r.Context(), key); err != nil {
		h.logger.Error("failed to create key", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.audit.Record(r, cred, "key.created", "api_key", key.ID.String(), map[string]any{"scope": key.Scope})

	resp := struct {
		keyResponse
		Secret string `json:"secret"`
	}{toKeyResponse(key), secret}
	JSON(w, http.StatusCreated, resp)
}

// List handles GET /api/v1/keys.
func (h *KeyHandler) List(w http.ResponseWriter, r *http.Request) {
	cred := credentialFromCtx(r.Context())

	opts := listOptions(r)
	keys, total, err := h.keys.ListByTenant(r.Context(), cred.Tenant.ID, opts)
	if err != nil {
		ErrInternal(w)
		return
	}

	items := make([]keyResponse, len(keys))
	for i := range keys {
		items[i] = toKeyResponse(&keys[i])
	}
	JSON(w, http.StatusOK, map[string]any{
		"keys":   items,
		"total":  total,
		"limit":  opts.Limit,
		"offset": opts.Offset,
	})
}

// Update handles PATCH /api/v1/keys/{id}.
func (h *KeyHandler) Update(w http.ResponseWriter, r *http.Request) {
	cred := credentialFromCtx(r.Context())

	key, ok := h.keyForTenant(w, r, cred)
	if !ok {
		return
	}

	var req updateKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name != nil {
		if *req.Name == "" {
			ErrValidation(w, "name must not be empty")
			return
		}
		key.Name = *req.Name
	}
	if req.Scope != nil {
		if !validScope(*req.Scope) {
			ErrValidation(w, "scope must be one of READ, WRITE, ADMIN")
			return
		}
		key.Scope = *req.Scope
	}
	if req.AllowedCIDRs != nil {
		if err := validateCIDRs(*req.AllowedCIDRs); err != nil {
			ErrValidation(w, err.Error())
			return
		}
		raw, _ := json.Marshal(*req.AllowedCIDRs)
		key.AllowedCIDRs = string(raw)
	}
	if req.RateLimitPerMin != nil {
		if *req.RateLimitPerMin < 0 {
			ErrValidation(w, "rateLimitPerMin must not be negative")
			return
		}
		key.RateLimitPerMin = *req.RateLimitPerMin
	}

	if err := h.keys.Update(r.Context(), key); err != nil {
		h.logger.Error("failed to update key", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.audit.Record(r, cred, "key.updated", "api_key", key.ID.String(), nil)
	JSON(w, http.StatusOK, toKeyResponse(key))
}

// Revoke handles DELETE /api/v1/keys/{id}. Revocation is terminal; a second
// revoke is a conflict, not a no-op, so automation notices double-fires.
func (h *KeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	cred := credentialFromCtx(r.Context())

	key, ok := h.keyForTenant(w, r, cred)
	if !ok {
		return
	}
	if key.IsRevoked {
		Err(w, http.StatusConflict, "key is already revoked", CodeKeyAlreadyRevoked, "")
		return
	}

	// Queued and in-flight jobs submitted with this key keep running; the
	// count goes back to the caller so automation can see what it orphaned.
	activeJobs, err := h.jobs.CountActiveByAPIKey(r.Context(), key.ID)
	if err != nil {
		h.logger.Warn("failed to count active jobs for key",
			zap.String("key_id", key.ID.String()), zap.Error(err))
	}

	if err := h.keys.Revoke(r.Context(), key.ID, time.Now().UTC()); err != nil {
		h.logger.Error("failed to revoke key", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.audit.Record(r, cred, "key.revoked", "api_key", key.ID.String(), map[string]any{"activeJobs": activeJobs})
	JSON(w, http.StatusOK, map[string]any{"success": true, "activeJobs": activeJobs})
}

// keyForTenant loads the path key and enforces tenant ownership. Writes the
// 404 itself and reports ok=false when the caller should stop.
func (h *KeyHandler) keyForTenant(w http.ResponseWriter, r *http.Request, cred *auth.Credential) (*db.APIKey, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		Err(w, http.StatusNotFound, "key not found", CodeKeyNotFound, "")
		return nil, false
	}
	key, err := h.keys.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			Err(w, http.StatusNotFound, "key not found", CodeKeyNotFound, "")
			return nil, false
		}
		ErrInternal(w)
		return nil, false
	}
	// Cross-tenant probes see the same 404 as a missing id.
	if key.TenantID != cred.Tenant.ID {
		Err(w, http.StatusNotFound, "key not found", CodeKeyNotFound, "")
		return nil, false
	}
	return key, true
}
