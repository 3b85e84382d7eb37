package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"errorwatch.app/pipeline/common/logger"
	"errorwatch.app/pipeline/internal/http/dto"
	"errorwatch.app/pipeline/internal/model"
	"errorwatch.app/pipeline/internal/queue"
	"errorwatch.app/pipeline/internal/store"
)

const APIKeyHeader = "X-API-Key"

// ProjectResolver maps an SDK API key to its project.
type ProjectResolver interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*model.Project, error)
}

// IngestHandler accepts SDK submissions and hands them to the queues.
type IngestHandler struct {
	projects ProjectResolver
	producer queue.Producer
	now      func() time.Time
}

func NewIngestHandler(projects ProjectResolver, producer queue.Producer) *IngestHandler {
	return &IngestHandler{projects: projects, producer: producer, now: time.Now}
}

func (h *IngestHandler) Event(c *gin.Context) {
	project, ok := h.authenticate(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var req dto.IngestEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid event payload", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	level := req.Level
	if level == "" {
		level = string(model.LevelError)
	}
	env := req.Env
	if env == "" {
		env = "production"
	}

	h.enqueue(c, queue.Events, queue.EventJob{
		ProjectID:   project.ID,
		Message:     req.Message,
		File:        req.File,
		Line:        req.Line,
		Column:      req.Column,
		Stack:       req.Stack,
		Env:         env,
		URL:         req.URL,
		Level:       level,
		StatusCode:  req.StatusCode,
		Breadcrumbs: req.Breadcrumbs,
		SessionID:   req.SessionID,
		UserID:      req.UserID,
		Release:     req.Release,
		CreatedAt:   dto.TimeOrNow(req.Timestamp, h.now()),
	})
}

func (h *IngestHandler) Replay(c *gin.Context) {
	project, ok := h.authenticate(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var req dto.IngestReplayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid replay payload", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.enqueue(c, queue.Replays, queue.ReplayJob{
		ProjectID: project.ID,
		SessionID: req.SessionID,
		Events:    req.Events,
		Error:     req.Error,
		URL:       req.URL,
		UserAgent: req.UserAgent,
		Timestamp: dto.TimeOrNow(req.Timestamp, h.now()),
		Release:   req.Release,
	})
}

func (h *IngestHandler) authenticate(c *gin.Context) (*model.Project, bool) {
	ctx := c.Request.Context()

	key := c.GetHeader(APIKeyHeader)
	if key == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing API key"})
		return nil, false
	}

	project, err := h.projects.GetByAPIKey(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			return nil, false
		}
		slog.ErrorContext(ctx, "failed to resolve API key", "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve API key"})
		return nil, false
	}

	c.Request = c.Request.WithContext(logger.WithLogFields(ctx, logger.LogFields{ProjectID: logger.Ptr(project.ID)}))
	return project, true
}

func (h *IngestHandler) enqueue(c *gin.Context, name queue.Name, payload queue.Payload) {
	ctx := c.Request.Context()

	jobID, err := h.producer.Enqueue(ctx, name, payload)
	if err != nil {
		slog.ErrorContext(ctx, "failed to enqueue submission", "error", err, "queue", name)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to accept submission"})
		return
	}

	c.JSON(http.StatusAccepted, dto.IngestResponse{JobID: jobID})
}
