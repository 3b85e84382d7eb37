package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"errorwatch.app/pipeline/internal/model"
)

const (
	keyPrefix      = "session:"
	defaultTimeout = 200 * time.Millisecond
)

// RedisCache shares validated sessions across gateway replicas. Every Redis
// failure degrades to a miss, and each call is bounded so an outage never
// stalls a request.
type RedisCache struct {
	client  *redis.Client
	ttl     time.Duration
	timeout time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, timeout: defaultTimeout}
}

func (c *RedisCache) Get(ctx context.Context, token string) (model.Principal, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.client.Get(ctx, key(token)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "session cache get failed", "error", err)
		}
		return model.Principal{}, false
	}

	var p model.Principal
	if err := json.Unmarshal(raw, &p); err != nil || p.ID == "" {
		slog.WarnContext(ctx, "session cache entry corrupt, dropping", "error", err)
		c.Invalidate(ctx, token)
		return model.Principal{}, false
	}
	return p, true
}

func (c *RedisCache) Put(ctx context.Context, token string, principal model.Principal) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := json.Marshal(principal)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key(token), raw, c.ttl).Err(); err != nil {
		slog.WarnContext(ctx, "session cache put failed", "error", err)
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, token string) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.client.Del(ctx, key(token)).Err(); err != nil {
		slog.WarnContext(ctx, "session cache invalidate failed", "error", err)
	}
}

// Tokens are hashed so raw credentials never land in Redis.
func key(token string) string {
	sum := sha256.Sum256([]byte(token))
	return keyPrefix + hex.EncodeToString(sum[:])
}
