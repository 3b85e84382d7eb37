package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"errorwatch.app/pipeline/core/db"
	"errorwatch.app/pipeline/internal/model"
)

type eventStore struct {
	conn db.DBTX
}

func newEventStore(conn db.DBTX) EventStore {
	return &eventStore{conn: conn}
}

const insertEvent = `
INSERT INTO error_events (
  id, fingerprint, project_id, stack, url, env, status_code, level, breadcrumbs,
  session_id, user_id, release, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO NOTHING`

func (s *eventStore) Insert(ctx context.Context, e *model.ErrorEvent) (bool, error) {
	tag, err := s.conn.Exec(ctx, insertEvent,
		e.ID, e.Fingerprint, e.ProjectID, e.Stack, e.URL, e.Env, e.StatusCode, e.Level,
		e.Breadcrumbs, e.SessionID, e.UserID, e.Release, e.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

const countEventsSince = `
SELECT COUNT(*) FROM error_events WHERE project_id = $1 AND created_at > $2`

func (s *eventStore) CountSince(ctx context.Context, projectID string, since time.Time) (int64, error) {
	var n int64
	if err := s.conn.QueryRow(ctx, countEventsSince, projectID, since).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

const latestEventEnv = `
SELECT env FROM error_events WHERE fingerprint = $1 ORDER BY created_at DESC LIMIT 1`

func (s *eventStore) LatestEnv(ctx context.Context, fingerprint string) (string, error) {
	var env string
	if err := s.conn.QueryRow(ctx, latestEventEnv, fingerprint).Scan(&env); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return env, nil
}
