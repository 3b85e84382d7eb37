package worker

import (
	"context"
	"log/slog"
	"time"

	"errorwatch.app/pipeline/common/logger"
)

// Promoter returns retries to their stream once their backoff has elapsed.
type Promoter struct {
	queues    []DuePromoter
	interval  time.Duration
	batchSize int64
}

func NewPromoter(interval time.Duration, queues ...DuePromoter) *Promoter {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Promoter{queues: queues, interval: interval, batchSize: 100}
}

// Run blocks until ctx is cancelled.
func (p *Promoter) Run(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "errorwatch.worker.promoter"})

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PromoteOnce(ctx)
		}
	}
}

// PromoteOnce drains every due retry and returns how many were promoted.
func (p *Promoter) PromoteOnce(ctx context.Context) int {
	total := 0
	for _, q := range p.queues {
		for {
			n, err := q.PromoteDue(ctx, p.batchSize)
			total += n
			if err != nil {
				slog.ErrorContext(ctx, "promoting retries failed", "queue", q.Queue(), "error", err)
				break
			}
			if int64(n) < p.batchSize {
				break
			}
		}
	}
	if total > 0 {
		slog.DebugContext(ctx, "promoted due retries", "count", total)
	}
	return total
}
