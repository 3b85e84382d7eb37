package processor

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"errorwatch.app/pipeline/internal/queue"
)

const (
	DefaultDedupeTTL = 24 * time.Hour
	// DefaultDedupeLease must stay below the reclaimer's idle threshold so a
	// delivery abandoned mid-send can be retried by whoever claims it.
	DefaultDedupeLease = 2 * time.Minute
)

// Deduper guards side effects that must happen at most once per key. Keys
// are taken with a short lease and confirmed once the side effect happened.
type Deduper interface {
	// Acquire returns false when the key is already held.
	Acquire(ctx context.Context, key string, lease time.Duration) (bool, error)
	Confirm(ctx context.Context, key string, ttl time.Duration)
	Release(ctx context.Context, key string)
}

type redisDeduper struct {
	client *redis.Client
}

func NewRedisDeduper(client *redis.Client) Deduper {
	return &redisDeduper{client: client}
}

func (d *redisDeduper) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return d.client.SetNX(ctx, key, time.Now().UnixMilli(), ttl).Result()
}

func (d *redisDeduper) Confirm(ctx context.Context, key string, ttl time.Duration) {
	if err := d.client.Expire(ctx, key, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "failed to confirm dedupe key", "error", err, "key", key)
	}
}

func (d *redisDeduper) Release(ctx context.Context, key string) {
	if err := d.client.Del(ctx, key).Err(); err != nil {
		slog.WarnContext(ctx, "failed to release dedupe key", "error", err, "key", key)
	}
}

// alertDedupeKey scopes a delivery to the originating event when known, so
// two alert jobs for one event notify once.
func alertDedupeKey(jobID string, aj queue.AlertJob, ruleID string) string {
	if aj.EventID != "" {
		return "alert:dedupe:event:" + aj.EventID + ":" + ruleID
	}
	return "alert:dedupe:" + jobID + ":" + ruleID
}
