package model

import "time"

type Level string

const (
	LevelFatal   Level = "fatal"
	LevelError   Level = "error"
	LevelWarning Level = "warning"
	LevelInfo    Level = "info"
	LevelDebug   Level = "debug"
)

// ReplayEligible reports whether replays are captured for errors at this level.
func (l Level) ReplayEligible() bool {
	return l == LevelFatal || l == LevelError
}

type GroupStatus string

const (
	GroupStatusOpen     GroupStatus = "open"
	GroupStatusResolved GroupStatus = "resolved"
	GroupStatusIgnored  GroupStatus = "ignored"
)

// ErrorGroup aggregates every occurrence sharing a fingerprint.
type ErrorGroup struct {
	Fingerprint string      `json:"fingerprint"`
	ProjectID   string      `json:"project_id"`
	Message     string      `json:"message"`
	File        string      `json:"file"`
	Line        int         `json:"line"`
	URL         *string     `json:"url,omitempty"`
	StatusCode  *int        `json:"status_code,omitempty"`
	Level       Level       `json:"level"`
	Status      GroupStatus `json:"status"`
	Count       int64       `json:"count"`
	FirstSeen   time.Time   `json:"first_seen"`
	LastSeen    time.Time   `json:"last_seen"`
	ResolvedAt  *time.Time  `json:"resolved_at,omitempty"`
}

// GroupUpsert reports what an upsert did to the group row.
type GroupUpsert struct {
	Count       int64
	WasResolved bool
}

func (u GroupUpsert) IsNew() bool {
	return u.Count == 1
}
