// Package webhook implements outbound webhook delivery: HMAC payload
// signing, the per-tenant circuit breaker, and the HTTP sender with its
// retry classification.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Signature headers on every outbound delivery.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderEvent     = "X-Webhook-Event"
	HeaderID        = "X-Webhook-ID"
)

// Webhook event names.
const (
	EventExportCompleted = "export.completed"
	EventExportFailed    = "export.failed"
)

// Sign computes the v1 signature over "timestamp.body" with HMAC-SHA256.
// The timestamp binding prevents replay of a captured body under a fresh
// timestamp.
func Sign(secret string, timestamp time.Time, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp.Unix(), 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return "v1=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a presented signature in constant time. A length mismatch
// returns false immediately — the length of an HMAC is public, so the
// short-circuit leaks nothing.
func Verify(secret, signature string, timestamp time.Time, body []byte) bool {
	expected := Sign(secret, timestamp, body)
	if len(signature) != len(expected) {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(expected))
}
