package model

import (
	"time"

	"github.com/google/uuid"
)

type AlertRuleType string

const (
	AlertRuleNewError   AlertRuleType = "new_error"
	AlertRuleThreshold  AlertRuleType = "threshold"
	AlertRuleRegression AlertRuleType = "regression"
)

type AlertChannel string

const (
	AlertChannelEmail   AlertChannel = "email"
	AlertChannelWebhook AlertChannel = "webhook"
	AlertChannelSlack   AlertChannel = "slack"
)

type AlertRuleConfig struct {
	Email        string `json:"email,omitempty"`
	WebhookURL   string `json:"webhookUrl,omitempty"`
	SlackWebhook string `json:"slackWebhook,omitempty"`
}

type AlertRule struct {
	ID            string          `json:"id"`
	ProjectID     string          `json:"project_id"`
	Name          string          `json:"name"`
	Type          AlertRuleType   `json:"type"`
	Threshold     *int            `json:"threshold,omitempty"`
	WindowMinutes *int            `json:"window_minutes,omitempty"`
	Channel       AlertChannel    `json:"channel"`
	Config        AlertRuleConfig `json:"config"`
	Enabled       bool            `json:"enabled"`
}

// Window returns the threshold evaluation window, or zero for rules without one.
func (r AlertRule) Window() time.Duration {
	if r.WindowMinutes == nil {
		return 0
	}
	return time.Duration(*r.WindowMinutes) * time.Minute
}

// Target returns the destination configured for the rule's channel, or "" when missing.
func (r AlertRule) Target() string {
	switch r.Channel {
	case AlertChannelEmail:
		return r.Config.Email
	case AlertChannelWebhook:
		return r.Config.WebhookURL
	case AlertChannelSlack:
		return r.Config.SlackWebhook
	}
	return ""
}

type NotificationStatus string

const (
	NotificationSent   NotificationStatus = "sent"
	NotificationFailed NotificationStatus = "failed"
)

// Notification is the delivery log row written for every triggered rule.
type Notification struct {
	ID          uuid.UUID          `json:"id"`
	RuleID      string             `json:"rule_id"`
	ProjectID   string             `json:"project_id"`
	Fingerprint string             `json:"fingerprint"`
	Channel     AlertChannel       `json:"channel"`
	Status      NotificationStatus `json:"status"`
	Error       *string            `json:"error,omitempty"`
	SentAt      *time.Time         `json:"sent_at,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}
