// Package auth implements the API-key gate: key generation and digesting,
// credential resolution, the scope ladder, CIDR allowlists, and the internal
// dashboard path. Raw secrets are never persisted — only their SHA-256
// digest, so a database leak does not leak usable credentials.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/exportd-io/exportd/internal/db"
)

const (
	// secretBytes is the entropy of a generated key before encoding.
	// 32 bytes base64url-encoded yields 43 characters after the prefix.
	secretBytes = 32

	// keyPrefix marks exportd secrets so they are recognizable in config
	// files and secret scanners.
	keyPrefix = "sk_"

	// displayPrefixLen is how many characters of the full secret are stored
	// in plaintext for display ("sk_ab12…").
	displayPrefixLen = 8
)

// GenerateSecret returns a new random API secret, its display prefix, and its
// SHA-256 digest. The secret itself is returned to the caller exactly once;
// only the prefix and digest are stored.
func GenerateSecret() (secret, prefix, digest string, err error) {
	raw := make([]byte, secretBytes)
	if _, err = rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("auth: generate secret: %w", err)
	}

	secret = keyPrefix + base64.RawURLEncoding.EncodeToString(raw)
	prefix = secret[:displayPrefixLen]
	digest = DigestSecret(secret)
	return secret, prefix, digest, nil
}

// DigestSecret returns the hex SHA-256 digest of a presented secret.
// Deterministic digests allow O(1) lookup by unique index; the secret's
// 256 bits of entropy make offline inversion of the digest infeasible,
// which is why a slow password hash is unnecessary here.
func DigestSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// BearerSecret extracts the presented secret from a request. Both the
// Authorization Bearer form and the X-API-Key header are accepted.
// Returns "" when neither is present or the shape is wrong.
func BearerSecret(r *http.Request) string {
	if v := r.Header.Get("X-API-Key"); v != "" {
		return v
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// ScopeAllows reports whether a key scope permits the HTTP method.
// READ covers GET and HEAD; WRITE additionally covers POST; ADMIN covers
// everything (PATCH, DELETE included).
func ScopeAllows(scope, method string) bool {
	switch scope {
	case db.ScopeAdmin:
		return true
	case db.ScopeWrite:
		switch method {
		case http.MethodGet, http.MethodHead, http.MethodPost:
			return true
		}
		return false
	case db.ScopeRead:
		switch method {
		case http.MethodGet, http.MethodHead:
			return true
		}
		return false
	default:
		return false
	}
}

// ScopeWithin reports whether requested sits at or below held on the
// READ < WRITE < ADMIN ladder. Used to stop a key from minting another key
// broader than itself.
func ScopeWithin(requested, held string) bool {
	return scopeRank(requested) <= scopeRank(held)
}

func scopeRank(scope string) int {
	switch scope {
	case db.ScopeAdmin:
		return 3
	case db.ScopeWrite:
		return 2
	case db.ScopeRead:
		return 1
	default:
		return 0
	}
}

// ValidScope reports whether s is one of the known scopes.
func ValidScope(s string) bool {
	switch s {
	case db.ScopeRead, db.ScopeWrite, db.ScopeAdmin:
		return true
	}
	return false
}
