package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"errorwatch.app/pipeline/common/id"
	"errorwatch.app/pipeline/common/logger"
	"errorwatch.app/pipeline/common/otel"
	"errorwatch.app/pipeline/core/config"
	"errorwatch.app/pipeline/core/db"
	"errorwatch.app/pipeline/internal/notify"
	"errorwatch.app/pipeline/internal/processor"
	"errorwatch.app/pipeline/internal/queue"
	"errorwatch.app/pipeline/internal/store"
	"errorwatch.app/pipeline/internal/worker"
)

const notifyTimeout = 10 * time.Second

type lane struct {
	pool      *worker.Pool
	reclaimer *worker.Reclaimer
}

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeWorker)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	telemetry, err := otel.Setup(ctx, cfg.OTel, cfg.Env)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	slog.InfoContext(ctx, "errorwatch worker starting",
		"env", cfg.Env,
		"consumer_name", cfg.Pipeline.ConsumerName)

	if err := id.Init(cfg.NodeID); err != nil {
		slog.ErrorContext(ctx, "failed to initialize id generator", "error", err)
		os.Exit(1)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	slog.InfoContext(ctx, "database connected")

	redisOpts, err := redis.ParseURL(cfg.Pipeline.RedisURL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.InfoContext(ctx, "redis connected")

	stores := store.NewStores(database.Conn())
	txRunner := processor.NewTxRunner(database)
	producer := queue.NewRedisProducer(redisClient)
	publisher := notify.NewRedisPublisher(redisClient)

	notifiers, err := processor.Notifiers(cfg.Alerts, notifyTimeout)
	if err != nil {
		slog.ErrorContext(ctx, "failed to configure alert channels", "error", err)
		os.Exit(1)
	}

	processors := map[queue.Name]worker.Processor{
		queue.Events: processor.NewEventProcessor(stores, txRunner, producer, publisher, nil),
		queue.Alerts: processor.NewAlertProcessor(
			stores,
			notifiers,
			processor.NewRedisDeduper(redisClient),
			publisher,
			processor.AlertConfig{DashboardURL: cfg.DashboardURL},
			nil,
		),
		queue.Replays: processor.NewReplayProcessor(stores, txRunner, producer, publisher, nil),
	}

	queueCfgs := map[queue.Name]config.QueueConfig{
		queue.Events:  cfg.Queues.Events,
		queue.Alerts:  cfg.Queues.Alerts,
		queue.Replays: cfg.Queues.Replays,
	}

	var (
		lanes     []lane
		promoters []worker.DuePromoter
	)
	for _, name := range []queue.Name{queue.Events, queue.Alerts, queue.Replays} {
		qc := queueCfgs[name]

		consumer, err := queue.NewRedisConsumer(ctx, redisClient, queue.ConsumerConfig{
			Queue:    name,
			Consumer: cfg.Pipeline.ConsumerName,
			Block:    cfg.Pipeline.Block,
		})
		if err != nil {
			slog.ErrorContext(ctx, "failed to create consumer", "error", err, "queue", name)
			os.Exit(1)
		}

		poolCfg := worker.Config{
			Concurrency: qc.Concurrency,
			MaxAttempts: qc.MaxAttempts,
			Backoff:     worker.NewExponential(qc.BackoffBase, qc.BackoffMax),
		}
		if name == queue.Alerts {
			poolCfg.RatePerMinute = cfg.Alerts.RatePerMinute
		}
		pool := worker.NewPool(consumer, processors[name], poolCfg)

		reclaimer := worker.NewReclaimer(consumer, pool, worker.ReclaimerConfig{
			MinIdle:       cfg.Pipeline.ReclaimMinIdle,
			Interval:      cfg.Pipeline.ReclaimInterval,
			MaxDeliveries: int64(qc.MaxAttempts) * 2,
		})

		lanes = append(lanes, lane{pool: pool, reclaimer: reclaimer})
		promoters = append(promoters, consumer)

		slog.InfoContext(ctx, "queue configured",
			"queue", name,
			"concurrency", qc.Concurrency,
			"max_attempts", qc.MaxAttempts,
			"rate_per_minute", poolCfg.RatePerMinute)
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	group, groupCtx := errgroup.WithContext(runCtx)
	for _, l := range lanes {
		group.Go(func() error { return l.pool.Run(groupCtx) })
		group.Go(func() error {
			l.reclaimer.Run(groupCtx)
			return nil
		})
	}
	promoter := worker.NewPromoter(cfg.Pipeline.PromoteInterval, promoters...)
	group.Go(func() error {
		promoter.Run(groupCtx)
		return nil
	})

	slog.InfoContext(ctx, "worker initialized and running")

	done := make(chan error, 1)
	go func() { done <- group.Wait() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-done:
		slog.ErrorContext(ctx, "worker stopped unexpectedly", "error", err)
		done <- err
	}

	slog.InfoContext(ctx, "shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Reclaimers first (quick), then pools, which wait for in-flight jobs.
	for _, l := range lanes {
		l.reclaimer.Stop()
	}
	for _, l := range lanes {
		l.pool.Stop()
	}
	stop()

	select {
	case <-shutdownCtx.Done():
		slog.WarnContext(ctx, "shutdown timeout exceeded")
	case err := <-done:
		if err != nil {
			slog.ErrorContext(ctx, "worker error during shutdown", "error", err)
		}
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(ctx, "worker shutdown complete")
}

const banner = `
 ___ ___ ___  ___  ___ __      ___ _____ ___ _  _
| __| _ \ _ \/ _ \| _ \ \    / /_\_   _/ __| || |
| _||   /   / (_) |   /\ \/\/ / _ \| || (__| __ |
|___|_|_\_|_\\___/|_|_\ \_/\_/_/ \_\_| \___|_||_|   worker
`
