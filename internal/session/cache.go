package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"errorwatch.app/pipeline/core/config"
	"errorwatch.app/pipeline/internal/model"
)

const (
	DefaultTTL      = 30 * time.Second
	DefaultCapacity = 10_000
)

// Cache maps an opaque session token to the principal it was validated for.
// A miss always means "ask upstream"; implementations never return errors.
type Cache interface {
	Get(ctx context.Context, token string) (model.Principal, bool)
	Put(ctx context.Context, token string, principal model.Principal)
	Invalidate(ctx context.Context, token string)
}

// New returns a Redis-backed cache when configured and reachable, otherwise an
// in-memory one.
func New(ctx context.Context, client *redis.Client, cfg config.SessionCacheConfig) Cache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	if cfg.Backend == "redis" && client != nil {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		err := client.Ping(pingCtx).Err()
		if err == nil {
			return NewRedisCache(client, ttl)
		}
		slog.WarnContext(ctx, "session cache redis unreachable, using memory", "error", err)
	}

	return NewMemoryCache(ttl, capacity)
}
