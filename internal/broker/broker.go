// Package broker wraps Redis as the message fabric of the server: priority
// job queues with delayed retry, the job lifecycle event bus, and the atomic
// counters behind the rate limiter and loop guard. A single client (and its
// connection pool) is shared by the HTTP handlers, the worker pools, and the
// repeating engines.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config holds the connection settings for the Redis broker.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Broker owns the Redis client. Construct once with New and share.
type Broker struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New creates a Broker. The connection is lazy — call Ping to verify
// reachability at startup.
func New(cfg Config, logger *zap.Logger) *Broker {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Broker{
		rdb:    rdb,
		logger: logger.Named("broker"),
	}
}

// NewWithClient wraps an existing client. Used by tests running against
// miniredis.
func NewWithClient(rdb *redis.Client, logger *zap.Logger) *Broker {
	return &Broker{rdb: rdb, logger: logger.Named("broker")}
}

// Ping verifies that the broker is reachable. Used at startup and by the
// health probe with a per-probe deadline on ctx.
func (b *Broker) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("broker: ping: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (b *Broker) Close() error {
	return b.rdb.Close()
}

// incrWindowScript increments a windowed counter atomically, setting the
// expiry only on first increment so the window does not slide forward with
// every request. Returns the counter value and the remaining window in ms.
var incrWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {count, ttl}
`)

// IncrWindow atomically increments the counter at key within a fixed window.
// Returns the post-increment count and the time until the window resets.
// These counters back both rate limit tiers and the loop guard; keys are
// prefixed per tenant so they hash to one shard on a cluster.
func (b *Broker) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := incrWindowScript.Run(ctx, b.rdb, []string{key}, window.Milliseconds()).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("broker: incr window: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, 0, fmt.Errorf("broker: incr window: unexpected script reply %T", res)
	}
	count, _ := vals[0].(int64)
	ttlMillis, _ := vals[1].(int64)
	if ttlMillis < 0 {
		ttlMillis = window.Milliseconds()
	}

	return count, time.Duration(ttlMillis) * time.Millisecond, nil
}
