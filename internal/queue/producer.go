package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"errorwatch.app/pipeline/common/id"
	"errorwatch.app/pipeline/common/logger"
)

type Producer interface {
	// Enqueue appends payload to the named queue and returns the job ID.
	Enqueue(ctx context.Context, name Name, payload Payload) (string, error)
}

type redisProducer struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisProducer(client *redis.Client) Producer {
	return &redisProducer{client: client, now: time.Now}
}

func (p *redisProducer) Enqueue(ctx context.Context, name Name, payload Payload) (string, error) {
	if !name.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownQueue, name)
	}
	if payload == nil || payload.Queue() != name {
		return "", fmt.Errorf("%w: %T on %s", ErrPayloadMismatch, payload, name)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding %s payload: %w", name, err)
	}

	job := Job{
		ID:         id.NewString(),
		Queue:      name,
		Payload:    raw,
		Attempts:   1,
		EnqueuedAt: p.now(),
		TraceID:    logger.TraceID(ctx),
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: name.Stream(),
		Values: jobValues(job),
	}).Err(); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", name, err)
	}

	slog.DebugContext(ctx, "job enqueued", "queue", name, "job_id", job.ID)
	return job.ID, nil
}
