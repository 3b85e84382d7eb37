package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"errorwatch.app/pipeline/core/db"
	"errorwatch.app/pipeline/internal/model"
)

type fingerprintRuleStore struct {
	conn db.DBTX
}

func newFingerprintRuleStore(conn db.DBTX) FingerprintRuleStore {
	return &fingerprintRuleStore{conn: conn}
}

const listFingerprintRules = `
SELECT pattern, group_key, priority
FROM fingerprint_rules
WHERE project_id = $1
ORDER BY priority DESC`

func (s *fingerprintRuleStore) ListByProject(ctx context.Context, projectID string) ([]model.FingerprintRule, error) {
	rows, err := s.conn.Query(ctx, listFingerprintRules, projectID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.FingerprintRule, error) {
		var r model.FingerprintRule
		err := row.Scan(&r.Pattern, &r.GroupKey, &r.Priority)
		return r, err
	})
}

type alertRuleStore struct {
	conn db.DBTX
}

func newAlertRuleStore(conn db.DBTX) AlertRuleStore {
	return &alertRuleStore{conn: conn}
}

const listEnabledAlertRules = `
SELECT id, project_id, name, type, threshold, window_minutes, channel, config
FROM alert_rules
WHERE project_id = $1 AND enabled
ORDER BY created_at DESC`

func (s *alertRuleStore) ListEnabled(ctx context.Context, projectID string) ([]model.AlertRule, error) {
	rows, err := s.conn.Query(ctx, listEnabledAlertRules, projectID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.AlertRule, error) {
		var (
			r   model.AlertRule
			cfg []byte
		)
		if err := row.Scan(&r.ID, &r.ProjectID, &r.Name, &r.Type, &r.Threshold, &r.WindowMinutes, &r.Channel, &cfg); err != nil {
			return r, err
		}
		if len(cfg) > 0 {
			if err := json.Unmarshal(cfg, &r.Config); err != nil {
				return r, fmt.Errorf("decoding config of alert rule %s: %w", r.ID, err)
			}
		}
		r.Enabled = true
		return r, nil
	})
}

type notificationStore struct {
	conn db.DBTX
}

func newNotificationStore(conn db.DBTX) NotificationStore {
	return &notificationStore{conn: conn}
}

const insertNotification = `
INSERT INTO notifications (id, rule_id, project_id, fingerprint, channel, status, error, sent_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO NOTHING`

func (s *notificationStore) Create(ctx context.Context, n *model.Notification) error {
	_, err := s.conn.Exec(ctx, insertNotification,
		n.ID, n.RuleID, n.ProjectID, n.Fingerprint, n.Channel, n.Status, n.Error, n.SentAt, n.CreatedAt,
	)
	return err
}

const notificationExistsSince = `
SELECT EXISTS (
  SELECT 1 FROM notifications WHERE rule_id = $1 AND status = 'sent' AND created_at > $2
)`

func (s *notificationStore) ExistsSince(ctx context.Context, ruleID string, since time.Time) (bool, error) {
	var ok bool
	if err := s.conn.QueryRow(ctx, notificationExistsSince, ruleID, since).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}
