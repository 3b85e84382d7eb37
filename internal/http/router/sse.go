package router

import (
	"github.com/gin-gonic/gin"

	"errorwatch.app/pipeline/internal/http/handler"
	"errorwatch.app/pipeline/internal/http/middleware"
)

func SSERouter(rg *gin.RouterGroup, sessions middleware.SessionResolver, h *handler.SSEHandler) {
	rg.Use(middleware.RequireSession(sessions))
	rg.GET("/:org_id", h.Stream)
}
