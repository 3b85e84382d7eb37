package router

import (
	"github.com/gin-gonic/gin"

	"errorwatch.app/pipeline/internal/http/handler"
)

func IngestRouter(rg *gin.RouterGroup, h *handler.IngestHandler) {
	rg.POST("/events", h.Event)
	rg.POST("/replays", h.Replay)
}
