package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/jackc/pgx/v5"

	"errorwatch.app/pipeline/core/db"
	"errorwatch.app/pipeline/internal/model"
)

type projectStore struct {
	conn db.DBTX
}

func newProjectStore(conn db.DBTX) ProjectStore {
	return &projectStore{conn: conn}
}

const getProject = `
SELECT id, organization_id, name
FROM projects
WHERE id = $1 AND deleted_at IS NULL`

func (s *projectStore) GetByID(ctx context.Context, id string) (*model.Project, error) {
	return scanProject(s.conn.QueryRow(ctx, getProject, id))
}

// API keys are stored as SHA-256 hex digests.
const getProjectByAPIKey = `
SELECT p.id, p.organization_id, p.name
FROM api_keys k
JOIN projects p ON p.id = k.project_id
WHERE k.key_hash = $1 AND k.revoked_at IS NULL AND p.deleted_at IS NULL`

func (s *projectStore) GetByAPIKey(ctx context.Context, apiKey string) (*model.Project, error) {
	sum := sha256.Sum256([]byte(apiKey))
	return scanProject(s.conn.QueryRow(ctx, getProjectByAPIKey, hex.EncodeToString(sum[:])))
}

func scanProject(row pgx.Row) (*model.Project, error) {
	var p model.Project
	if err := row.Scan(&p.ID, &p.OrganizationID, &p.Name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

type membershipStore struct {
	conn db.DBTX
}

func newMembershipStore(conn db.DBTX) MembershipStore {
	return &membershipStore{conn: conn}
}

const isMember = `
SELECT EXISTS (
  SELECT 1 FROM organization_members WHERE organization_id = $1 AND user_id = $2
)`

func (s *membershipStore) IsMember(ctx context.Context, organizationID, userID string) (bool, error) {
	var ok bool
	if err := s.conn.QueryRow(ctx, isMember, organizationID, userID).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}
