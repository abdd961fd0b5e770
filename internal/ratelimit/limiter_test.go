package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/exportd-io/exportd/internal/broker"
)

func newTestBroker(t *testing.T) (*broker.Broker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return broker.NewWithClient(rdb, zap.NewNop()), mr
}

func TestLimiterExportCreationBudget(t *testing.T) {
	b, _ := newTestBroker(t)
	l := New(b, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		res := l.Allow(ctx, "key-1", TierExportCreation, 0)
		require.True(t, res.Allowed, "request %d should be admitted", i+1)
		assert.Equal(t, 10, res.Limit)
		assert.Equal(t, 10-(i+1), res.Remaining)
	}

	res := l.Allow(ctx, "key-1", TierExportCreation, 0)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
}

func TestLimiterBoundarySpike(t *testing.T) {
	b, mr := newTestBroker(t)
	l := New(b, zap.NewNop())
	ctx := context.Background()

	// A well-behaved client draining a full sustained budget just before the
	// window resets and another right after stays within the 2x burst cap:
	// all twenty requests land inside one 10s burst window and are admitted.
	for i := 0; i < 10; i++ {
		require.True(t, l.Allow(ctx, "key-2", TierExportCreation, 0).Allowed)
	}
	require.False(t, l.Allow(ctx, "key-2", TierExportCreation, 0).Allowed)

	mr.FastForward(61 * time.Second)
	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow(ctx, "key-2", TierExportCreation, 0).Allowed)
	}
}

func TestLimiterWindowReset(t *testing.T) {
	b, mr := newTestBroker(t)
	l := New(b, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 11; i++ {
		l.Allow(ctx, "key-3", TierExportCreation, 0)
	}
	require.False(t, l.Allow(ctx, "key-3", TierExportCreation, 0).Allowed)

	mr.FastForward(61 * time.Second)
	assert.True(t, l.Allow(ctx, "key-3", TierExportCreation, 0).Allowed)
}

func TestLimiterIsolatesKeysAndTiers(t *testing.T) {
	b, _ := newTestBroker(t)
	l := New(b, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 11; i++ {
		l.Allow(ctx, "key-a", TierExportCreation, 0)
	}
	require.False(t, l.Allow(ctx, "key-a", TierExportCreation, 0).Allowed)

	// A different key is untouched.
	assert.True(t, l.Allow(ctx, "key-b", TierExportCreation, 0).Allowed)
	// A different tier for the exhausted key is untouched.
	assert.True(t, l.Allow(ctx, "key-a", TierDownload, 0).Allowed)
}

func TestLimiterFailsOpen(t *testing.T) {
	b, mr := newTestBroker(t)
	l := New(b, zap.NewNop())
	mr.Close()

	res := l.Allow(context.Background(), "key-x", TierExportCreation, 0)
	assert.True(t, res.Allowed)
	assert.Equal(t, 10, res.Limit)
}

func TestLimiterPerKeyOverride(t *testing.T) {
	b, _ := newTestBroker(t)
	l := New(b, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res := l.Allow(ctx, "key-c", TierExportCreation, 3)
		require.True(t, res.Allowed)
		assert.Equal(t, 3, res.Limit)
	}
	assert.False(t, l.Allow(ctx, "key-c", TierExportCreation, 3).Allowed)
}

func TestLoopGuard(t *testing.T) {
	b, mr := newTestBroker(t)
	g := NewLoopGuard(b, zap.NewNop())
	ctx := context.Background()
	body := []byte(`{"type":"audit_logs","format":"csv"}`)

	for i := 0; i < 5; i++ {
		assert.False(t, g.Check(ctx, "key-1", body), "submission %d should pass", i+1)
	}
	assert.True(t, g.Check(ctx, "key-1", body), "sixth identical submission should trip the guard")

	// A different payload from the same key is independent.
	assert.False(t, g.Check(ctx, "key-1", []byte(`{"type":"jobs","format":"csv"}`)))
	// Same payload from a different key is independent.
	assert.False(t, g.Check(ctx, "key-2", body))

	// The guard resets with its window.
	mr.FastForward(61 * time.Second)
	assert.False(t, g.Check(ctx, "key-1", body))
}

func TestLoopGuardFailsOpen(t *testing.T) {
	b, mr := newTestBroker(t)
	g := NewLoopGuard(b, zap.NewNop())
	mr.Close()

	assert.False(t, g.Check(context.Background(), "key-1", []byte("{}")))
}
