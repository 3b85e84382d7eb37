package router

import (
	"github.com/gin-gonic/gin"

	"errorwatch.app/pipeline/internal/http/handler"
	"errorwatch.app/pipeline/internal/http/middleware"
)

// Handlers groups everything the ingestion server mounts.
type Handlers struct {
	Health   *handler.HealthHandler
	Ingest   *handler.IngestHandler
	SSE      *handler.SSEHandler
	Sessions middleware.SessionResolver
}

func SetupRoutes(router *gin.Engine, h Handlers) {
	router.GET("/health", h.Health.Health)

	IngestRouter(router.Group("/api/v1"), h.Ingest)
	SSERouter(router.Group("/sse"), h.Sessions, h.SSE)
}
