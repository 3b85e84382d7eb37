package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"errorwatch.app/pipeline/common/logger"
)

type ReclaimerConfig struct {
	MinIdle   time.Duration
	Interval  time.Duration
	BatchSize int64
	// MaxDeliveries dead-letters entries that keep taking their consumer down
	// before they can be settled. Zero disables the check.
	MaxDeliveries int64
}

// Reclaimer periodically claims deliveries whose consumer died between
// reading and settling them, and feeds them back through the pool.
type Reclaimer struct {
	claimer PendingClaimer
	pool    *Pool
	cfg     ReclaimerConfig

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewReclaimer(claimer PendingClaimer, pool *Pool, cfg ReclaimerConfig) *Reclaimer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Reclaimer{
		claimer:   claimer,
		pool:      pool,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled or Stop is called.
func (r *Reclaimer) Run(ctx context.Context) {
	name := string(r.claimer.Queue())
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Queue:     &name,
		Component: "errorwatch.worker.reclaimer",
	})

	defer close(r.stoppedCh)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "reclaimer started",
		"interval", r.cfg.Interval,
		"min_idle", r.cfg.MinIdle)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			slog.InfoContext(ctx, "reclaimer stopping")
			return
		case <-ticker.C:
			if err := r.ReclaimOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "reclaim cycle error", "error", err)
			}
		}
	}
}

func (r *Reclaimer) Stop() {
	close(r.stopCh)
	<-r.stoppedCh
}

// ReclaimOnce performs a single reclaim cycle.
func (r *Reclaimer) ReclaimOnce(ctx context.Context) error {
	pending, err := r.claimer.Pending(ctx, r.cfg.MinIdle, r.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	slog.InfoContext(ctx, "found stale pending jobs", "count", len(pending))

	for _, p := range pending {
		if err := r.reclaim(ctx, p); err != nil {
			slog.ErrorContext(ctx, "failed to reclaim job",
				"error", err,
				"message_id", p.ID,
				"original_consumer", p.Consumer,
				"idle_time", p.Idle)
		}
	}
	return nil
}

func (r *Reclaimer) reclaim(ctx context.Context, pending redis.XPendingExt) error {
	msgID := pending.ID
	ctx = logger.WithLogFields(ctx, logger.LogFields{MessageID: &msgID})

	msg, ok, err := r.claimer.Claim(ctx, pending.ID, r.cfg.MinIdle)
	if err != nil {
		return err
	}
	if !ok {
		slog.DebugContext(ctx, "job already reclaimed or dropped")
		return nil
	}

	if r.cfg.MaxDeliveries > 0 && pending.RetryCount >= r.cfg.MaxDeliveries {
		reason := fmt.Sprintf("delivered %d times without being settled", pending.RetryCount)
		return r.claimer.SendDLQ(ctx, msg, reason)
	}

	slog.InfoContext(ctx, "reprocessing reclaimed job",
		"original_consumer", pending.Consumer,
		"idle_time", pending.Idle,
		"deliveries", pending.RetryCount)

	r.pool.Handle(ctx, msg)
	return nil
}
