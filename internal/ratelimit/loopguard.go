package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/exportd-io/exportd/internal/broker"
)

// Loop guard thresholds: more than loopGuardMax identical export requests
// from one key inside loopGuardWindow indicates a retry loop gone wrong, not
// a legitimate workload.
const (
	loopGuardWindow = 60 * time.Second
	loopGuardMax    = 5
)

// LoopGuard detects a client stuck re-submitting the same export request.
// Identity is the pair (key id, SHA-256 of the canonical request body), so
// distinct exports from the same key never trip it.
type LoopGuard struct {
	broker *broker.Broker
	logger *zap.Logger
}

// NewLoopGuard creates a LoopGuard.
func NewLoopGuard(b *broker.Broker, logger *zap.Logger) *LoopGuard {
	return &LoopGuard{broker: b, logger: logger.Named("loopguard")}
}

// Check counts this submission and reports whether it should be rejected.
// Broker failures fail open — a lost guard is cheaper than blocking exports.
func (g *LoopGuard) Check(ctx context.Context, keyID string, body []byte) (blocked bool) {
	sum := sha256.Sum256(body)
	key := fmt.Sprintf("loopguard:{%s}:%s", keyID, hex.EncodeToString(sum[:]))

	count, _, err := g.broker.IncrWindow(ctx, key, loopGuardWindow)
	if err != nil {
		g.logger.Warn("loop guard check failed, admitting request", zap.Error(err))
		return false
	}
	if count > loopGuardMax {
		g.logger.Info("loop guard tripped",
			zap.String("key_id", keyID),
			zap.Int64("count", count),
		)
		return true
	}
	return false
}
