package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/exportd-io/exportd/internal/db"
	"github.com/exportd-io/exportd/internal/repositories"
)

// Sentinel errors mapped to distinct HTTP codes by the middleware.
var (
	ErrMissingKey   = errors.New("auth: missing api key")
	ErrInvalidKey   = errors.New("auth: invalid api key")
	ErrRevokedKey   = errors.New("auth: api key revoked")
	ErrExpiredKey   = errors.New("auth: api key expired")
	ErrIPNotAllowed = errors.New("auth: ip not in allowlist")
)

// Credential is the resolved identity attached to the request context after
// a successful gate pass. Key is nil on the internal dashboard path, which
// resolves to a synthetic ADMIN credential.
type Credential struct {
	Key    *db.APIKey
	Tenant *db.Tenant
	Scope  string

	// Internal marks the trusted dashboard path; rate limiting and the loop
	// guard are skipped for it.
	Internal bool
}

// Service resolves presented secrets to credentials.
type Service struct {
	keys    repositories.APIKeyRepository
	tenants repositories.TenantRepository
	logger  *zap.Logger
}

// NewService creates the auth service.
func NewService(keys repositories.APIKeyRepository, tenants repositories.TenantRepository, logger *zap.Logger) *Service {
	return &Service{
		keys:    keys,
		tenants: tenants,
		logger:  logger.Named("auth"),
	}
}

// Resolve validates a presented secret and returns the credential.
// On success the key's last-used timestamp is updated asynchronously;
// a failure there is logged and never fails the request.
func (s *Service) Resolve(ctx context.Context, secret string) (*Credential, error) {
	if secret == "" {
		return nil, ErrMissingKey
	}

	key, err := s.keys.GetByDigest(ctx, DigestSecret(secret))
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrInvalidKey
		}
		return nil, fmt.Errorf("auth: resolve key: %w", err)
	}

	if key.IsRevoked {
		return nil, ErrRevokedKey
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now().UTC()) {
		return nil, ErrExpiredKey
	}

	tenant, err := s.tenants.GetByID(ctx, key.TenantID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			// Key row survived its tenant; treat as invalid rather than 500.
			return nil, ErrInvalidKey
		}
		return nil, fmt.Errorf("auth: resolve tenant: %w", err)
	}

	go s.touchLastUsed(key.ID.String(), key)

	return &Credential{Key: key, Tenant: tenant, Scope: key.Scope}, nil
}

// touchLastUsed runs on a detached context with its own deadline so a slow
// database write cannot hold the request path.
func (s *Service) touchLastUsed(id string, key *db.APIKey) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.keys.TouchLastUsed(ctx, key.ID, time.Now().UTC()); err != nil {
		s.logger.Warn("failed to update key last-used", zap.String("key_id", id), zap.Error(err))
	}
}

// CheckAllowlist verifies the observed address against the key's CIDR
// allowlist. An empty list allows everything. IPv4-mapped IPv6 addresses are
// normalized to IPv4 before matching so "::ffff:10.0.0.1" matches
// "10.0.0.0/8".
func CheckAllowlist(key *db.APIKey, remoteAddr string) error {
	var cidrs []string
	if key.AllowedCIDRs != "" {
		if err := json.Unmarshal([]byte(key.AllowedCIDRs), &cidrs); err != nil {
			return fmt.Errorf("auth: parse allowlist: %w", err)
		}
	}
	if len(cidrs) == 0 {
		return nil
	}

	addr, err := netip.ParseAddr(remoteAddr)
	if err != nil {
		return ErrIPNotAllowed
	}
	addr = addr.Unmap()

	for _, c := range cidrs {
		prefix, err := netip.ParsePrefix(c)
		if err != nil {
			// A malformed entry cannot be matched; skip it rather than
			// locking the tenant out entirely.
			continue
		}
		if prefix.Contains(addr) {
			return nil
		}
	}
	return ErrIPNotAllowed
}
