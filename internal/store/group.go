package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"errorwatch.app/pipeline/core/db"
	"errorwatch.app/pipeline/internal/model"
)

type groupStore struct {
	conn db.DBTX
}

func newGroupStore(conn db.DBTX) GroupStore {
	return &groupStore{conn: conn}
}

const getGroup = `
SELECT fingerprint, project_id, message, file, line, url, status_code, level, status, count,
       first_seen, last_seen, resolved_at
FROM error_groups
WHERE fingerprint = $1`

func (s *groupStore) GetByFingerprint(ctx context.Context, fingerprint string) (*model.ErrorGroup, error) {
	var g model.ErrorGroup
	err := s.conn.QueryRow(ctx, getGroup, fingerprint).Scan(
		&g.Fingerprint, &g.ProjectID, &g.Message, &g.File, &g.Line, &g.URL, &g.StatusCode,
		&g.Level, &g.Status, &g.Count, &g.FirstSeen, &g.LastSeen, &g.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &g, nil
}

// The CTE reads the pre-statement status, so the regression flag reflects the
// row as it was before this occurrence reopened it. first_seen/last_seen use
// LEAST/GREATEST so out-of-order deliveries converge.
const upsertGroup = `
WITH prev AS (
  SELECT status FROM error_groups WHERE fingerprint = $1
)
INSERT INTO error_groups (
  fingerprint, project_id, message, file, line, url, status_code, level, status, count, first_seen, last_seen
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'open', 1, $9, $10)
ON CONFLICT (fingerprint) DO UPDATE SET
  count       = error_groups.count + 1,
  first_seen  = LEAST(error_groups.first_seen, EXCLUDED.first_seen),
  last_seen   = GREATEST(error_groups.last_seen, EXCLUDED.last_seen),
  status      = CASE WHEN error_groups.status = 'resolved' THEN 'open' ELSE error_groups.status END,
  resolved_at = CASE WHEN error_groups.status = 'resolved' THEN NULL ELSE error_groups.resolved_at END
RETURNING count, COALESCE((SELECT status FROM prev), '') = 'resolved'`

func (s *groupStore) Upsert(ctx context.Context, g *model.ErrorGroup, occurredAt time.Time) (model.GroupUpsert, error) {
	var res model.GroupUpsert
	err := s.conn.QueryRow(ctx, upsertGroup,
		g.Fingerprint, g.ProjectID, g.Message, g.File, g.Line, g.URL, g.StatusCode, g.Level,
		occurredAt, time.Now().UTC(),
	).Scan(&res.Count, &res.WasResolved)
	if err != nil {
		return model.GroupUpsert{}, err
	}
	return res, nil
}

const refreshUsersAffected = `
UPDATE error_groups SET users_affected = (
  SELECT COUNT(DISTINCT user_id) FROM error_events
  WHERE fingerprint = $1 AND user_id IS NOT NULL
) WHERE fingerprint = $1`

func (s *groupStore) RefreshUsersAffected(ctx context.Context, fingerprint string) error {
	_, err := s.conn.Exec(ctx, refreshUsersAffected, fingerprint)
	return err
}
