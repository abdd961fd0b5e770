package webhook

import (
	"time"

	"github.com/exportd-io/exportd/internal/db"
)

// Circuit breaker thresholds: the circuit is open while the failure counter
// is at least circuitThreshold and the last success is fresher than
// circuitCooldown. Once the last success ages past the cooldown the circuit
// closes again, letting a probe attempt through; a 2xx resets the counter.
const (
	circuitThreshold = 10
	circuitCooldown  = 30 * time.Minute
)

// CircuitOpen reports whether the tenant's webhook circuit is open. A tenant
// with no recorded success is never suppressed — the counter alone cannot
// hold the circuit open forever.
func CircuitOpen(t *db.Tenant, now time.Time) bool {
	if t.WebhookFailures < circuitThreshold {
		return false
	}
	if t.WebhookLastSuccess == nil {
		return false
	}
	return now.Sub(*t.WebhookLastSuccess) < circuitCooldown
}
