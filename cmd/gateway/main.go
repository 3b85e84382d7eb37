package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"errorwatch.app/pipeline/common/logger"
	"errorwatch.app/pipeline/common/otel"
	"errorwatch.app/pipeline/core/config"
	"errorwatch.app/pipeline/internal/gateway"
	"errorwatch.app/pipeline/internal/http/handler"
	"errorwatch.app/pipeline/internal/http/middleware"
	"errorwatch.app/pipeline/internal/session"
	"errorwatch.app/pipeline/internal/upstream"
)

// DegradedHeader tells the dashboard the request passed without a confirmed session.
const DegradedHeader = "X-Auth-Degraded"

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeGateway)
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

	slog.InfoContext(ctx, "errorwatch gateway starting",
		"env", cfg.Env,
		"upstream", cfg.Auth.DashboardUpstreamURL,
		"fail_open", cfg.Auth.FailOpen,
		"session_cache", cfg.SessionCache.Backend)

	target, err := url.Parse(cfg.Auth.DashboardUpstreamURL)
	if err != nil {
		slog.ErrorContext(ctx, "invalid dashboard upstream url", "error", err)
		os.Exit(1)
	}

	checks := map[string]handler.HealthCheck{}
	var redisClient *redis.Client
	if cfg.SessionCache.Backend == "redis" {
		redisOpts, err := redis.ParseURL(cfg.Pipeline.RedisURL)
		if err != nil {
			slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(redisOpts)
		defer redisClient.Close()
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	accounts := upstream.New(cfg.Auth.APIURL, cfg.Auth.Timeout)
	resolver := gateway.NewResolver(session.New(ctx, redisClient, cfg.SessionCache), accounts, cfg.Auth.Timeout)
	g := gateway.New(resolver, accounts, gateway.Config{
		FailOpen: cfg.Auth.FailOpen,
		Timeout:  cfg.Auth.Timeout,
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())

	router.GET("/health", handler.NewHealthHandler(checks).Health)
	router.NoRoute(gateway.Middleware(g), proxyHandler(newProxy(target)))

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
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
	<-quit

	slog.InfoContext(ctx, "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

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

func newProxy(target *url.URL) *httputil.ReverseProxy {
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = otelhttp.NewTransport(http.DefaultTransport)

	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		req.Header.Del(DegradedHeader)
		if gateway.IsDegraded(req.Context()) {
			req.Header.Set(DegradedHeader, "1")
		}
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, req *http.Request, err error) {
		slog.ErrorContext(req.Context(), "dashboard upstream error", "error", err, "path", req.URL.Path)
		w.WriteHeader(http.StatusBadGateway)
	}
	return proxy
}

func proxyHandler(proxy *httputil.ReverseProxy) gin.HandlerFunc {
	return func(c *gin.Context) {
		proxy.ServeHTTP(c.Writer, c.Request)
	}
}

const banner = `
 ___ ___ ___  ___  ___ __      ___ _____ ___ _  _
| __| _ \ _ \/ _ \| _ \ \    / /_\_   _/ __| || |
| _||   /   / (_) |   /\ \/\/ / _ \| || (__| __ |
|___|_|_\_|_\\___/|_|_\ \_/\_/_/ \_\_| \___|_||_|   gateway
`
