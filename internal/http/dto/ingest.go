package dto

import (
	"time"

	"errorwatch.app/pipeline/internal/queue"
)

type IngestEventRequest struct {
	Message     string             `json:"message" binding:"required"`
	File        string             `json:"file"`
	Line        int                `json:"line"`
	Column      *int               `json:"column,omitempty"`
	Stack       string             `json:"stack"`
	Env         string             `json:"env"`
	URL         *string            `json:"url,omitempty"`
	Level       string             `json:"level" binding:"omitempty,oneof=fatal error warning info debug"`
	StatusCode  *int               `json:"statusCode,omitempty"`
	Breadcrumbs []queue.Breadcrumb `json:"breadcrumbs,omitempty"`
	SessionID   *string            `json:"sessionId,omitempty"`
	UserID      *string            `json:"userId,omitempty"`
	Release     *string            `json:"release,omitempty"`
	Timestamp   *int64             `json:"timestamp,omitempty"`
}

type IngestReplayRequest struct {
	SessionID string            `json:"sessionId" binding:"required"`
	Events    *string           `json:"events,omitempty"`
	Error     queue.ReplayError `json:"error"`
	URL       *string           `json:"url,omitempty"`
	UserAgent *string           `json:"userAgent,omitempty"`
	Timestamp *int64            `json:"timestamp,omitempty"`
	Release   *string           `json:"release,omitempty"`
}

type IngestResponse struct {
	JobID string `json:"jobId"`
}

// TimeOrNow converts an epoch-millisecond timestamp, defaulting to now.
func TimeOrNow(ms *int64, now time.Time) time.Time {
	if ms == nil || *ms <= 0 {
		return now.UTC()
	}
	return time.UnixMilli(*ms).UTC()
}
