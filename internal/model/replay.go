package model

import (
	"time"

	"github.com/google/uuid"
)

type DeviceType string

const (
	DeviceDesktop DeviceType = "desktop"
	DeviceMobile  DeviceType = "mobile"
	DeviceTablet  DeviceType = "tablet"
)

type ReplaySession struct {
	ID         string        `json:"id"`
	ProjectID  string        `json:"project_id"`
	StartedAt  time.Time     `json:"started_at"`
	EndedAt    time.Time     `json:"ended_at"`
	Duration   time.Duration `json:"duration"`
	URL        *string       `json:"url,omitempty"`
	UserAgent  *string       `json:"user_agent,omitempty"`
	DeviceType DeviceType    `json:"device_type"`
	Browser    string        `json:"browser"`
	OS         string        `json:"os"`
	CreatedAt  time.Time     `json:"created_at"`
}

// SessionEvents is one stored replay bundle, linked to the error that triggered it when known.
type SessionEvents struct {
	ID           uuid.UUID  `json:"id"`
	SessionID    string     `json:"session_id"`
	ErrorEventID *uuid.UUID `json:"error_event_id,omitempty"`
	Type         int        `json:"type"`
	Data         string     `json:"data"`
	Timestamp    time.Time  `json:"timestamp"`
}
