package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"errorwatch.app/pipeline/common/logger"
	"errorwatch.app/pipeline/internal/gateway"
	"errorwatch.app/pipeline/internal/notify"
)

const DefaultPingInterval = 15 * time.Second

// Subscriber hands out per-connection views of an organization's events.
type Subscriber interface {
	Subscribe(organizationID string) *notify.Subscription
}

type MembershipChecker interface {
	IsMember(ctx context.Context, organizationID, userID string) (bool, error)
}

// SSEHandler streams an organization's real-time notifications to a member.
type SSEHandler struct {
	hub          Subscriber
	members      MembershipChecker
	pingInterval time.Duration
}

func NewSSEHandler(hub Subscriber, members MembershipChecker, pingInterval time.Duration) *SSEHandler {
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	return &SSEHandler{hub: hub, members: members, pingInterval: pingInterval}
}

func (h *SSEHandler) Stream(c *gin.Context) {
	ctx := c.Request.Context()

	principal := gateway.GetPrincipal(ctx)
	if principal == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}

	orgID := c.Param("org_id")
	if orgID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing org_id"})
		return
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{OrganizationID: logger.Ptr(orgID)})

	member, err := h.members.IsMember(ctx, orgID, principal.ID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to check membership", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check membership"})
		return
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a member of this organization"})
		return
	}

	stream, ok := newSSEStream(c.Writer)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	sub := h.hub.Subscribe(orgID)
	defer sub.Close()

	c.Status(http.StatusOK)
	if err := stream.send("ping", "ready"); err != nil {
		return
	}

	slog.DebugContext(ctx, "notification stream opened")
	defer slog.DebugContext(ctx, "notification stream closed")

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err = stream.send("ping", map[string]int64{"timestamp": time.Now().UnixMilli()})
		case event, ok := <-sub.C():
			if !ok {
				return
			}
			err = stream.send("update", event)
		}
		if err != nil {
			slog.DebugContext(ctx, "notification stream write failed", "error", err)
			return
		}
	}
}

// sseStream writes text/event-stream frames and flushes each one.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEStream(w http.ResponseWriter) (*sseStream, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	return &sseStream{w: w, flusher: flusher}, true
}

func (s *sseStream) send(event string, data any) error {
	var b strings.Builder
	b.WriteString("event: ")
	b.WriteString(event)
	b.WriteByte('\n')
	for _, line := range strings.Split(encodeData(data), "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')

	if _, err := io.WriteString(s.w, b.String()); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func encodeData(data any) string {
	if text, ok := data.(string); ok {
		return text
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(raw)
}
