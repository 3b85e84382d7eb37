package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"errorwatch.app/pipeline/common/logger"
	"errorwatch.app/pipeline/internal/queue"
)

type Config struct {
	// Concurrency bounds simultaneously executing jobs.
	Concurrency int
	// MaxAttempts counts the first delivery; reaching it sends the job to the DLQ.
	MaxAttempts int
	Backoff     Backoff
	// RatePerMinute throttles job starts across the pool; zero disables it.
	RatePerMinute int
}

// Pool drains one queue with a fixed number of goroutines. Every execution,
// including reclaimed deliveries, holds one of Concurrency slots, so in-flight
// jobs never exceed the ceiling and the rest wait in Redis.
type Pool struct {
	consumer  Consumer
	processor Processor
	cfg       Config
	limiter   *rate.Limiter
	slots     chan struct{}

	inFlight atomic.Int64

	stopOnce  sync.Once
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewPool(consumer Consumer, processor Processor, cfg Config) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff == nil {
		cfg.Backoff = NewExponential(time.Second, time.Minute)
	}

	p := &Pool{
		consumer:  consumer,
		processor: processor,
		cfg:       cfg,
		slots:     make(chan struct{}, cfg.Concurrency),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
	if cfg.RatePerMinute > 0 {
		p.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), cfg.RatePerMinute)
	}
	return p
}

// Run blocks until ctx is cancelled or Stop is called, then waits for
// in-flight jobs to settle.
func (p *Pool) Run(ctx context.Context) error {
	defer close(p.stoppedCh)

	name := string(p.consumer.Queue())
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Queue:     &name,
		Component: "errorwatch.worker.pool",
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	slog.InfoContext(ctx, "worker pool started",
		"concurrency", p.cfg.Concurrency,
		"max_attempts", p.cfg.MaxAttempts)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx)
		}()
	}
	wg.Wait()

	slog.InfoContext(ctx, "worker pool stopped")
	return nil
}

func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.stoppedCh
}

// InFlight reports how many jobs are executing right now.
func (p *Pool) InFlight() int64 {
	return p.inFlight.Load()
}

func (p *Pool) loop(ctx context.Context) {
	for ctx.Err() == nil {
		messages, err := p.consumer.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.ErrorContext(ctx, "reading queue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range messages {
			p.Handle(ctx, msg)
		}
	}
}

// Handle runs one delivered message through the processor and settles it:
// ack on success, delayed retry while attempts remain, otherwise DLQ.
// It waits for a free slot and a rate token first; if ctx ends while waiting
// the delivery stays pending for the reclaimer. The reclaimer uses it for
// recovered deliveries.
func (p *Pool) Handle(ctx context.Context, msg queue.Message) {
	if !p.acquire(ctx) {
		return
	}
	defer p.release()

	job := msg.Job
	queueName := string(job.Queue)
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		JobID:     &job.ID,
		Queue:     &queueName,
		MessageID: &msg.ID,
	})

	sc := logger.StartSpanFromTraceID(ctx, job.TraceID, "worker.process."+queueName,
		trace.WithSpanKind(trace.SpanKindConsumer))
	defer sc.End()
	sc.SetJob(queueName, job.ID, job.Attempts)
	ctx = sc.Context()

	p.inFlight.Add(1)
	start := time.Now()
	err := p.process(ctx, job)
	p.inFlight.Add(-1)

	// Settle even if shutdown cancelled the processing context.
	settleCtx := context.WithoutCancel(ctx)

	if err == nil {
		if ackErr := p.consumer.Ack(settleCtx, msg); ackErr != nil {
			// Unacked deliveries are reclaimed later; processing is idempotent.
			slog.WarnContext(ctx, "failed to ack job", "error", ackErr)
		}
		slog.DebugContext(ctx, "job completed",
			"attempt", job.Attempts,
			"duration_ms", time.Since(start).Milliseconds())
		return
	}

	sc.RecordError(err)
	p.fail(settleCtx, msg, err)
}

func (p *Pool) acquire(ctx context.Context) bool {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return false
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			p.release()
			return false
		}
	}
	return true
}

func (p *Pool) release() {
	<-p.slots
}

func (p *Pool) process(ctx context.Context, job queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in job processing", "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.processor.Process(ctx, job)
}

func (p *Pool) fail(ctx context.Context, msg queue.Message, err error) {
	attempts := msg.Job.Attempts
	if attempts >= p.cfg.MaxAttempts {
		slog.ErrorContext(ctx, "job failed permanently, sending to DLQ",
			"error", err,
			"attempts", attempts)
		if dlqErr := p.consumer.SendDLQ(ctx, msg, err.Error()); dlqErr != nil {
			slog.ErrorContext(ctx, "failed to send job to DLQ", "error", dlqErr)
		}
		return
	}

	delay := p.cfg.Backoff.Delay(attempts)
	slog.WarnContext(ctx, "job failed, retrying",
		"error", err,
		"attempt", attempts,
		"max_attempts", p.cfg.MaxAttempts,
		"delay", delay)
	if retryErr := p.consumer.Retry(ctx, msg, delay, err.Error()); retryErr != nil {
		slog.ErrorContext(ctx, "failed to schedule retry", "error", errors.Join(retryErr, err))
	}
}
