package store

import (
	"context"
	"errors"
	"time"

	"errorwatch.app/pipeline/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ProjectStore resolves projects for ingestion and notification routing
type ProjectStore interface {
	GetByID(ctx context.Context, id string) (*model.Project, error)
	GetByAPIKey(ctx context.Context, apiKey string) (*model.Project, error)
}

// MembershipStore answers organization membership checks for the SSE endpoint
type MembershipStore interface {
	IsMember(ctx context.Context, organizationID, userID string) (bool, error)
}

// GroupStore defines the contract for error group aggregation
type GroupStore interface {
	GetByFingerprint(ctx context.Context, fingerprint string) (*model.ErrorGroup, error)
	// Upsert creates the group or counts one more occurrence. A resolved group is reopened.
	Upsert(ctx context.Context, group *model.ErrorGroup, occurredAt time.Time) (model.GroupUpsert, error)
	RefreshUsersAffected(ctx context.Context, fingerprint string) error
}

// EventStore defines the contract for stored occurrences
type EventStore interface {
	// Insert returns false when an event with the same ID already exists.
	Insert(ctx context.Context, event *model.ErrorEvent) (bool, error)
	CountSince(ctx context.Context, projectID string, since time.Time) (int64, error)
	LatestEnv(ctx context.Context, fingerprint string) (string, error)
}

type FingerprintRuleStore interface {
	ListByProject(ctx context.Context, projectID string) ([]model.FingerprintRule, error)
}

type AlertRuleStore interface {
	ListEnabled(ctx context.Context, projectID string) ([]model.AlertRule, error)
}

type NotificationStore interface {
	Create(ctx context.Context, n *model.Notification) error
	// ExistsSince reports whether the rule delivered a notification after since.
	ExistsSince(ctx context.Context, ruleID string, since time.Time) (bool, error)
}

// ReplayStore defines the contract for replay sessions and their event bundles
type ReplayStore interface {
	GetSession(ctx context.Context, id string) (*model.ReplaySession, error)
	// CreateSession returns false when the session already exists.
	CreateSession(ctx context.Context, s *model.ReplaySession) (bool, error)
	InsertEvents(ctx context.Context, e *model.SessionEvents) (bool, error)
}
