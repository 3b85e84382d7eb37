package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ErrorEvent is a single stored occurrence of an error group.
type ErrorEvent struct {
	ID          uuid.UUID       `json:"id"`
	Fingerprint string          `json:"fingerprint"`
	ProjectID   string          `json:"project_id"`
	Stack       string          `json:"stack"`
	URL         *string         `json:"url,omitempty"`
	Env         string          `json:"env"`
	StatusCode  *int            `json:"status_code,omitempty"`
	Level       Level           `json:"level"`
	Breadcrumbs json.RawMessage `json:"breadcrumbs,omitempty"`
	SessionID   *string         `json:"session_id,omitempty"`
	UserID      *string         `json:"user_id,omitempty"`
	Release     *string         `json:"release,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// FingerprintRule groups any message matching Pattern under GroupKey.
// Rules are evaluated highest Priority first.
type FingerprintRule struct {
	Pattern  string `json:"pattern"`
	GroupKey string `json:"group_key"`
	Priority int    `json:"priority"`
}
