// Package processor holds the per-queue processing contracts run by the worker pools.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"errorwatch.app/pipeline/core/db"
	"errorwatch.app/pipeline/internal/notify"
	"errorwatch.app/pipeline/internal/store"
)

// StoreProvider exposes the stores the processors read and write.
type StoreProvider interface {
	Projects() store.ProjectStore
	Groups() store.GroupStore
	Events() store.EventStore
	FingerprintRules() store.FingerprintRuleStore
	AlertRules() store.AlertRuleStore
	Notifications() store.NotificationStore
	Replays() store.ReplayStore
}

// TxRunner runs functions within a transaction and provides stores bound to that transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(stores StoreProvider) error) error
}

type dbTxRunner struct {
	db *db.DB
}

func NewTxRunner(database *db.DB) TxRunner {
	return &dbTxRunner{db: database}
}

func (r *dbTxRunner) WithTx(ctx context.Context, fn func(stores StoreProvider) error) error {
	return r.db.WithTx(ctx, func(tx db.DBTX) error {
		return fn(store.NewStores(tx))
	})
}

var ErrSessionOwnership = errors.New("session does not belong to project")

// rowNamespace seeds the deterministic row IDs derived from job IDs, so a
// redelivered job writes the same rows again instead of new ones.
var rowNamespace = uuid.MustParse("6f1c2a8e-3d4b-5c6d-8e9f-0a1b2c3d4e5f")

func rowID(jobID, kind string) uuid.UUID {
	return uuid.NewSHA1(rowNamespace, []byte(kind+":"+jobID))
}

// publish resolves the project's organization and emits a notification.
// Lookup failures are logged; notifications never fail a job.
func publish(ctx context.Context, stores StoreProvider, publisher notify.Publisher, kind notify.Kind, projectID string, payload any) {
	project, err := stores.Projects().GetByID(ctx, projectID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.WarnContext(ctx, "failed to resolve project organization", "error", err, "project_id", projectID)
		}
		return
	}

	event, err := notify.NewEvent(kind, project.OrganizationID, projectID, payload)
	if err != nil {
		slog.ErrorContext(ctx, "failed to build notification", "error", err, "type", kind)
		return
	}
	publisher.Publish(ctx, event)
}

func wrap(op string, err error) error {
	return fmt.Errorf("%s: %w", op, err)
}
