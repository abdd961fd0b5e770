package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/exportd-io/exportd/internal/db"
	"github.com/exportd-io/exportd/internal/repositories"
)

// DashboardHeader carries the internal dashboard token. Requests bearing it
// bypass API-key auth entirely and resolve to a synthetic ADMIN credential
// for the tenant named in the token.
const DashboardHeader = "X-Dashboard-Token"

// ErrBadDashboardToken covers every dashboard-token failure mode; the caller
// surfaces it uniformly so the token format leaks nothing.
var ErrBadDashboardToken = errors.New("auth: invalid dashboard token")

// Dashboard validates HS256-signed internal tokens minted by the dashboard
// backend. Only requests from loopback addresses are eligible; the dashboard
// sits behind the same reverse proxy as the API.
type Dashboard struct {
	secret  []byte
	tenants repositories.TenantRepository
}

// NewDashboard creates the internal-token validator. An empty secret disables
// the path entirely.
func NewDashboard(secret string, tenants repositories.TenantRepository) *Dashboard {
	return &Dashboard{secret: []byte(secret), tenants: tenants}
}

// Enabled reports whether the dashboard path is configured.
func (d *Dashboard) Enabled() bool { return len(d.secret) > 0 }

// dashboardClaims is the expected token shape.
type dashboardClaims struct {
	TenantID string `json:"tid"`
	jwt.RegisteredClaims
}

// Resolve validates the token and returns a synthetic ADMIN credential for
// its tenant. remoteAddr must be a loopback address.
func (d *Dashboard) Resolve(ctx context.Context, token, remoteAddr string) (*Credential, error) {
	if !d.Enabled() {
		return nil, ErrBadDashboardToken
	}

	addr, err := netip.ParseAddr(remoteAddr)
	if err != nil || !addr.Unmap().IsLoopback() {
		return nil, ErrBadDashboardToken
	}

	claims := &dashboardClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return d.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return nil, ErrBadDashboardToken
	}

	tenantID, err := uuid.Parse(claims.TenantID)
	if err != nil {
		return nil, ErrBadDashboardToken
	}

	tenant, err := d.tenants.GetByID(ctx, tenantID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrBadDashboardToken
		}
		return nil, fmt.Errorf("auth: resolve dashboard tenant: %w", err)
	}

	return &Credential{Tenant: tenant, Scope: db.ScopeAdmin, Internal: true}, nil
}

// MintDashboardToken signs a short-lived internal token. Used by the seed
// command and tests; the production dashboard mints its own.
func (d *Dashboard) MintDashboardToken(tenantID uuid.UUID, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := &dashboardClaims{
		TenantID: tenantID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(d.secret)
	if err != nil {
		return "", fmt.Errorf("auth: mint dashboard token: %w", err)
	}
	return token, nil
}

// RemoteIP extracts the bare IP from an http.Request's RemoteAddr
// ("host:port" form).
func RemoteIP(r *http.Request) string {
	addrPort, err := netip.ParseAddrPort(r.RemoteAddr)
	if err != nil {
		// Some test servers set RemoteAddr without a port.
		return r.RemoteAddr
	}
	return addrPort.Addr().String()
}
