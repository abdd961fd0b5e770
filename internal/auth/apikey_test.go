package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exportd-io/exportd/internal/db"
)

func TestGenerateSecret(t *testing.T) {
	secret, prefix, digest, err := GenerateSecret()
	require.NoError(t, err)

	assert.True(t, len(secret) > 40)
	assert.Equal(t, "sk_", secret[:3])
	assert.Equal(t, secret[:displayPrefixLen], prefix)
	assert.Equal(t, DigestSecret(secret), digest)
	assert.Len(t, digest, 64)

	// Two generations never collide.
	secret2, _, digest2, err := GenerateSecret()
	require.NoError(t, err)
	assert.NotEqual(t, secret, secret2)
	assert.NotEqual(t, digest, digest2)
}

func TestBearerSecret(t *testing.T) {
	tests := []struct {
		name   string
		header string
		value  string
		want   string
	}{
		{"x-api-key", "X-API-Key", "sk_abc", "sk_abc"},
		{"bearer", "Authorization", "Bearer sk_abc", "sk_abc"},
		{"bearer case-insensitive", "Authorization", "bearer sk_abc", "sk_abc"},
		{"wrong auth type", "Authorization", "Basic dXNlcg==", ""},
		{"missing", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
			if tt.header != "" {
				r.Header.Set(tt.header, tt.value)
			}
			assert.Equal(t, tt.want, BearerSecret(r))
		})
	}
}

func TestScopeAllows(t *testing.T) {
	assert.True(t, ScopeAllows(db.ScopeRead, http.MethodGet))
	assert.True(t, ScopeAllows(db.ScopeRead, http.MethodHead))
	assert.False(t, ScopeAllows(db.ScopeRead, http.MethodPost))

	assert.True(t, ScopeAllows(db.ScopeWrite, http.MethodGet))
	assert.True(t, ScopeAllows(db.ScopeWrite, http.MethodPost))
	assert.False(t, ScopeAllows(db.ScopeWrite, http.MethodDelete))

	assert.True(t, ScopeAllows(db.ScopeAdmin, http.MethodDelete))
	assert.True(t, ScopeAllows(db.ScopeAdmin, http.MethodPatch))

	assert.False(t, ScopeAllows("BOGUS", http.MethodGet))
}

func TestScopeWithin(t *testing.T) {
	assert.True(t, ScopeWithin(db.ScopeRead, db.ScopeRead))
	assert.True(t, ScopeWithin(db.ScopeRead, db.ScopeWrite))
	assert.True(t, ScopeWithin(db.ScopeWrite, db.ScopeWrite))
	assert.True(t, ScopeWithin(db.ScopeAdmin, db.ScopeAdmin))

	assert.False(t, ScopeWithin(db.ScopeAdmin, db.ScopeWrite))
	assert.False(t, ScopeWithin(db.ScopeAdmin, db.ScopeRead))
	assert.False(t, ScopeWithin(db.ScopeWrite, db.ScopeRead))

	// Unknown scopes rank below READ and can never grant anything.
	assert.False(t, ScopeWithin(db.ScopeRead, "BOGUS"))
	assert.True(t, ScopeWithin("BOGUS", db.ScopeRead))
}

func TestCheckAllowlist(t *testing.T) {
	key := &db.APIKey{AllowedCIDRs: `["10.0.0.0/8","2001:db8::/32"]`}

	assert.NoError(t, CheckAllowlist(key, "10.1.2.3"))
	assert.NoError(t, CheckAllowlist(key, "2001:db8::1"))
	assert.ErrorIs(t, CheckAllowlist(key, "192.168.1.1"), ErrIPNotAllowed)

	// IPv4-mapped IPv6 normalizes to IPv4 before matching.
	assert.NoError(t, CheckAllowlist(key, "::ffff:10.1.2.3"))
	assert.ErrorIs(t, CheckAllowlist(key, "::ffff:192.168.1.1"), ErrIPNotAllowed)

	// Empty allowlist admits everything.
	assert.NoError(t, CheckAllowlist(&db.APIKey{}, "192.168.1.1"))
	assert.NoError(t, CheckAllowlist(&db.APIKey{AllowedCIDRs: "[]"}, "192.168.1.1"))

	// Garbage address is rejected, never admitted.
	assert.ErrorIs(t, CheckAllowlist(key, "not-an-ip"), ErrIPNotAllowed)
}
