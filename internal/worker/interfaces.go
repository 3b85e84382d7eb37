package worker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"errorwatch.app/pipeline/internal/queue"
)

// Consumer abstracts the queue a pool drains, for testability.
type Consumer interface {
	Queue() queue.Name
	Read(ctx context.Context, count int64) ([]queue.Message, error)
	Ack(ctx context.Context, msg queue.Message) error
	Retry(ctx context.Context, msg queue.Message, delay time.Duration, errMsg string) error
	SendDLQ(ctx context.Context, msg queue.Message, errMsg string) error
}

// PendingClaimer is what the reclaimer needs from a queue.
type PendingClaimer interface {
	Queue() queue.Name
	Pending(ctx context.Context, minIdle time.Duration, count int64) ([]redis.XPendingExt, error)
	Claim(ctx context.Context, entryID string, minIdle time.Duration) (queue.Message, bool, error)
	SendDLQ(ctx context.Context, msg queue.Message, errMsg string) error
}

// DuePromoter moves retries whose backoff has elapsed back onto the queue.
type DuePromoter interface {
	Queue() queue.Name
	PromoteDue(ctx context.Context, limit int64) (int, error)
}

// Processor executes one job's processing contract. A returned error makes
// the job eligible for retry.
type Processor interface {
	Process(ctx context.Context, job queue.Job) error
}

type ProcessorFunc func(ctx context.Context, job queue.Job) error

func (f ProcessorFunc) Process(ctx context.Context, job queue.Job) error {
	return f(ctx, job)
}
