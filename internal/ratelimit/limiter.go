// Package ratelimit enforces per-key request budgets and the accidental-loop
// guard on top of the broker's atomic windowed counters. Every response
// carries the limit headers for the tier it was judged against, so clients
// can pace themselves without ever hitting a 429.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/exportd-io/exportd/internal/broker"
)

// Tier names a request class with its own budget.
type Tier string

const (
	// TierExportCreation covers POST /v1/jobs — the expensive path.
	TierExportCreation Tier = "export_creation"
	// TierDownload covers the download-URL endpoint.
	TierDownload Tier = "download"
	// TierGeneral covers everything else.
	TierGeneral Tier = "general"
)

// Per-tier budgets over the main window.
const (
	mainWindow = 60 * time.Second

	limitExportCreation = 10
	limitDownload       = 30
	limitGeneral        = 100

	// The burst window admits at most 2x the sustained budget inside any
	// 10 seconds, which caps the 2x spike a fixed window otherwise allows
	// across its boundary.
	burstWindow = 10 * time.Second
	burstFactor = 2
)

// Result reports the decision for one request against one tier.
type Result struct {
	Allowed bool

	// Header values: the tier's budget, requests left in the window, and
	// when the window resets.
	Limit     int
	Remaining int
	Reset     time.Time

	// RetryAfter is set when Allowed is false.
	RetryAfter time.Duration
}

// Limiter applies tiered fixed-window limits keyed by API key id.
type Limiter struct {
	broker *broker.Broker
	logger *zap.Logger
}

// New creates a Limiter.
func New(b *broker.Broker, logger *zap.Logger) *Limiter {
	return &Limiter{broker: b, logger: logger.Named("ratelimit")}
}

// tierLimit returns the main-window budget for a tier.
func tierLimit(tier Tier) int {
	switch tier {
	case TierExportCreation:
		return limitExportCreation
	case TierDownload:
		return limitDownload
	default:
		return limitGeneral
	}
}

// Allow judges one request for keyID against the tier. override replaces the
// tier's sustained budget when > 0 (per-key ceiling). Broker failures fail
// open: the request is admitted with the tier's full budget reported, because
// refusing all traffic during a Redis blip is worse than briefly not limiting.
func (l *Limiter) Allow(ctx context.Context, keyID string, tier Tier, override int) Result {
	limit := tierLimit(tier)
	if override > 0 {
		limit = override
	}

	count, ttl, err := l.broker.IncrWindow(ctx, mainKey(keyID, tier), mainWindow)
	if err != nil {
		l.logger.Warn("rate limit check failed, admitting request", zap.Error(err))
		return Result{Allowed: true, Limit: limit, Remaining: limit - 1, Reset: time.Now().UTC().Add(mainWindow)}
	}

	reset := time.Now().UTC().Add(ttl)
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	if int(count) > limit {
		return Result{Limit: limit, Remaining: 0, Reset: reset, RetryAfter: ttl}
	}

	// Main budget passed; the burst window can still reject a spike.
	bLimit := limit * burstFactor
	bCount, bTTL, err := l.broker.IncrWindow(ctx, burstKey(keyID, tier), burstWindow)
	if err != nil {
		l.logger.Warn("burst limit check failed, admitting request", zap.Error(err))
		return Result{Allowed: true, Limit: limit, Remaining: remaining, Reset: reset}
	}
	if int(bCount) > bLimit {
		return Result{Limit: limit, Remaining: remaining, Reset: reset, RetryAfter: bTTL}
	}

	return Result{Allowed: true, Limit: limit, Remaining: remaining, Reset: reset}
}

func mainKey(keyID string, tier Tier) string {
	return fmt.Sprintf("ratelimit:{%s}:%s", keyID, tier)
}

func burstKey(keyID string, tier Tier) string {
	return fmt.Sprintf("ratelimit:{%s}:%s:burst", keyID, tier)
}
