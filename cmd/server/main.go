package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"errorwatch.app/pipeline/common/id"
	"errorwatch.app/pipeline/common/logger"
	"errorwatch.app/pipeline/common/otel"
	"errorwatch.app/pipeline/core/config"
	"errorwatch.app/pipeline/core/db"
	"errorwatch.app/pipeline/internal/gateway"
	"errorwatch.app/pipeline/internal/http/handler"
	"errorwatch.app/pipeline/internal/http/middleware"
	httprouter "errorwatch.app/pipeline/internal/http/router"
	"errorwatch.app/pipeline/internal/notify"
	"errorwatch.app/pipeline/internal/queue"
	"errorwatch.app/pipeline/internal/session"
	"errorwatch.app/pipeline/internal/store"
	"errorwatch.app/pipeline/internal/upstream"
)

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeServer)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg.OTel, cfg.Env)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	if telemetry != nil {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	} else {
		slog.InfoContext(ctx, "otel disabled (no endpoint configured)")
	}

	slog.InfoContext(ctx, "errorwatch server starting", "env", cfg.Env, "service", cfg.OTel.ServiceName)
	if err := id.Init(cfg.NodeID); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
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

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	hub := notify.NewHub(redisClient, cfg.SSE.BufferSize)
	hubDone := make(chan error, 1)
	go func() { hubDone <- hub.Run(hubCtx) }()

	stores := store.NewStores(database.Conn())
	resolver := gateway.NewResolver(
		session.New(ctx, redisClient, cfg.SessionCache),
		upstream.New(cfg.Auth.APIURL, cfg.Auth.Timeout),
		cfg.Auth.Timeout,
	)

	handlers := httprouter.Handlers{
		Health: handler.NewHealthHandler(map[string]handler.HealthCheck{
			"postgres": database.Ping,
			"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		}),
		Ingest:   handler.NewIngestHandler(stores.Projects(), queue.NewRedisProducer(redisClient)),
		SSE:      handler.NewSSEHandler(hub, stores.Memberships(), cfg.SSE.PingInterval),
		Sessions: resolver,
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := setupRouter(cfg, handlers)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No write timeout: notification streams stay open indefinitely.
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-hubDone:
		slog.ErrorContext(ctx, "notification hub stopped", "error", err)
	}

	slog.InfoContext(ctx, "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	// Closing the hub ends every open stream so Shutdown can drain.
	stopHub()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete")
}

func setupRouter(cfg config.Config, handlers httprouter.Handlers) *gin.Engine {
	router := gin.New()

	// Order matters: OTel creates span → Recovery catches panics → Logger logs with trace context
	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())

	httprouter.SetupRoutes(router, handlers)

	return router
}

const banner = `
 ___ ___ ___  ___  ___ __      ___ _____ ___ _  _
| __| _ \ _ \/ _ \| _ \ \    / /_\_   _/ __| || |
| _||   /   / (_) |   /\ \/\/ / _ \| || (__| __ |
|___|_|_\_|_\\___/|_|_\ \_/\_/_/ \_\_| \___|_||_|   server
`
