package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"errorwatch.app/pipeline/core/db"
	"errorwatch.app/pipeline/internal/model"
)

type replayStore struct {
	conn db.DBTX
}

func newReplayStore(conn db.DBTX) ReplayStore {
	return &replayStore{conn: conn}
}

const getReplaySession = `
SELECT id, project_id, started_at, ended_at, duration_ms, url, user_agent, device_type, browser, os, created_at
FROM replay_sessions
WHERE id = $1`

func (s *replayStore) GetSession(ctx context.Context, id string) (*model.ReplaySession, error) {
	var (
		rs         model.ReplaySession
		durationMs int64
	)
	err := s.conn.QueryRow(ctx, getReplaySession, id).Scan(
		&rs.ID, &rs.ProjectID, &rs.StartedAt, &rs.EndedAt, &durationMs, &rs.URL, &rs.UserAgent,
		&rs.DeviceType, &rs.Browser, &rs.OS, &rs.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rs.Duration = time.Duration(durationMs) * time.Millisecond
	return &rs, nil
}

const insertReplaySession = `
INSERT INTO replay_sessions (
  id, project_id, started_at, ended_at, duration_ms, url, user_agent, device_type, browser, os, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO NOTHING`

func (s *replayStore) CreateSession(ctx context.Context, rs *model.ReplaySession) (bool, error) {
	tag, err := s.conn.Exec(ctx, insertReplaySession,
		rs.ID, rs.ProjectID, rs.StartedAt, rs.EndedAt, rs.Duration.Milliseconds(), rs.URL, rs.UserAgent,
		rs.DeviceType, rs.Browser, rs.OS, rs.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

const insertSessionEvents = `
INSERT INTO session_events (id, session_id, error_event_id, type, data, timestamp)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING`

func (s *replayStore) InsertEvents(ctx context.Context, e *model.SessionEvents) (bool, error) {
	tag, err := s.conn.Exec(ctx, insertSessionEvents,
		e.ID, e.SessionID, e.ErrorEventID, e.Type, e.Data, e.Timestamp,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
