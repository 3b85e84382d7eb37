package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Name identifies one of the durable queues. The queue a job is enqueued on
// fixes its processing contract for its whole lifetime.
type Name string

const (
	Events  Name = "events"
	Alerts  Name = "alerts"
	Replays Name = "replays"
)

// Names lists every queue a worker process serves.
var Names = []Name{Events, Alerts, Replays}

var (
	ErrUnknownQueue    = errors.New("unknown queue")
	ErrPayloadMismatch = errors.New("payload does not belong to queue")
)

func (n Name) Valid() bool {
	return n == Events || n == Alerts || n == Replays
}

func (n Name) Stream() string {
	return "queue:" + string(n)
}

func (n Name) DLQStream() string {
	return "queue:" + string(n) + ":dlq"
}

// DelayedSet is the sorted set holding retries until their due time.
func (n Name) DelayedSet() string {
	return "queue:" + string(n) + ":delayed"
}

func (n Name) Group() string {
	return string(n) + "-workers"
}

// ParseName validates a queue name coming from configuration or the wire.
func ParseName(s string) (Name, error) {
	n := Name(s)
	if !n.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownQueue, s)
	}
	return n, nil
}

// Payload is implemented by the three job variants.
type Payload interface {
	Queue() Name
}

// Job is the envelope stored on a queue stream.
type Job struct {
	ID         string
	Queue      Name
	Payload    json.RawMessage
	Attempts   int
	EnqueuedAt time.Time
	TraceID    string
	LastError  string
}

// Decode unmarshals the payload into v, refusing variants that belong to another queue.
func (j Job) Decode(v Payload) error {
	if v.Queue() != j.Queue {
		return fmt.Errorf("%w: %s job decoded as %s payload", ErrPayloadMismatch, j.Queue, v.Queue())
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", j.Queue, err)
	}
	return nil
}

type Breadcrumb struct {
	Type      string         `json:"type"`
	Category  string         `json:"category,omitempty"`
	Message   string         `json:"message,omitempty"`
	Level     string         `json:"level,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// EventJob is one raw error occurrence submitted by an SDK.
type EventJob struct {
	ProjectID   string       `json:"projectId"`
	Message     string       `json:"message"`
	File        string       `json:"file"`
	Line        int          `json:"line"`
	Column      *int         `json:"column,omitempty"`
	Stack       string       `json:"stack"`
	Env         string       `json:"env"`
	URL         *string      `json:"url,omitempty"`
	Level       string       `json:"level"`
	StatusCode  *int         `json:"statusCode,omitempty"`
	Breadcrumbs []Breadcrumb `json:"breadcrumbs,omitempty"`
	SessionID   *string      `json:"sessionId,omitempty"`
	UserID      *string      `json:"userId,omitempty"`
	Release     *string      `json:"release,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

func (EventJob) Queue() Name { return Events }

// AlertJob is a notification-worthy condition derived from event processing.
type AlertJob struct {
	// EventID is the row that raised the alert; redeliveries and orphaned
	// duplicates of the same event share it.
	EventID      string `json:"eventId,omitempty"`
	ProjectID    string `json:"projectId"`
	Fingerprint  string `json:"fingerprint"`
	IsNewGroup   bool   `json:"isNewGroup"`
	IsRegression bool   `json:"isRegression,omitempty"`
	Level        string `json:"level"`
	Message      string `json:"message"`
}

func (AlertJob) Queue() Name { return Alerts }

type ReplayError struct {
	Message string  `json:"message"`
	File    *string `json:"file,omitempty"`
	Line    *int    `json:"line,omitempty"`
	Stack   *string `json:"stack,omitempty"`
	Level   string  `json:"level"`
}

// ReplayJob carries a session-replay bundle and the error that triggered it.
// Events is base64, optionally gzip-compressed, rrweb JSON.
type ReplayJob struct {
	ProjectID string      `json:"projectId"`
	SessionID string      `json:"sessionId"`
	Events    *string     `json:"events,omitempty"`
	Error     ReplayError `json:"error"`
	URL       *string     `json:"url,omitempty"`
	UserAgent *string     `json:"userAgent,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Release   *string     `json:"release,omitempty"`
}

func (ReplayJob) Queue() Name { return Replays }
