package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"errorwatch.app/pipeline/common/logger"
	"errorwatch.app/pipeline/internal/model"
	"errorwatch.app/pipeline/internal/notify"
	"errorwatch.app/pipeline/internal/queue"
	"errorwatch.app/pipeline/internal/store"
)

const unknownProject = "Unknown Project"

type AlertConfig struct {
	DashboardURL string
	DedupeTTL    time.Duration
	DedupeLease  time.Duration
}

// AlertProcessor evaluates a project's alert rules for one error group and
// delivers notifications on each triggered rule's channel.
type AlertProcessor struct {
	stores    StoreProvider
	notifiers map[model.AlertChannel]Notifier
	dedupe    Deduper
	publisher notify.Publisher
	cfg       AlertConfig
	logger    *slog.Logger
	now       func() time.Time
}

func NewAlertProcessor(stores StoreProvider, notifiers map[model.AlertChannel]Notifier, dedupe Deduper, publisher notify.Publisher, cfg AlertConfig, logger *slog.Logger) *AlertProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = DefaultDedupeTTL
	}
	if cfg.DedupeLease <= 0 {
		cfg.DedupeLease = DefaultDedupeLease
	}
	return &AlertProcessor{
		stores:    stores,
		notifiers: notifiers,
		dedupe:    dedupe,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Process delivers every triggered rule. Failed deliveries are recorded and
// returned so the job is retried; rules already delivered are skipped on retry.
func (p *AlertProcessor) Process(ctx context.Context, job queue.Job) error {
	var aj queue.AlertJob
	if err := job.Decode(&aj); err != nil {
		return err
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{ProjectID: logger.Ptr(aj.ProjectID)})

	project, err := p.stores.Projects().GetByID(ctx, aj.ProjectID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return wrap("loading project", err)
	}
	if project == nil {
		p.logger.WarnContext(ctx, "alert for unknown project dropped", "fingerprint", aj.Fingerprint)
		return nil
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{OrganizationID: logger.Ptr(project.OrganizationID)})

	deliveryErr := p.evaluate(ctx, job.ID, aj, project)

	event, err := notify.NewEvent(notify.KindAlertTriggered, project.OrganizationID, aj.ProjectID, notify.IssuePayload{
		Fingerprint: aj.Fingerprint,
		Message:     aj.Message,
		Level:       aj.Level,
	})
	if err == nil {
		p.publisher.Publish(ctx, event)
	}

	return deliveryErr
}

func (p *AlertProcessor) evaluate(ctx context.Context, jobID string, aj queue.AlertJob, project *model.Project) error {
	rules, err := p.stores.AlertRules().ListEnabled(ctx, aj.ProjectID)
	if err != nil {
		return wrap("listing alert rules", err)
	}
	if len(rules) == 0 {
		return nil
	}

	group, err := p.stores.Groups().GetByFingerprint(ctx, aj.Fingerprint)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return wrap("loading group", err)
	}

	name := project.Name
	if name == "" {
		name = unknownProject
	}

	var errs []error
	for _, rule := range rules {
		if err := p.apply(ctx, jobID, aj, rule, name, group); err != nil {
			p.logger.ErrorContext(ctx, "alert rule failed",
				"error", err,
				"rule_id", rule.ID,
				"channel", rule.Channel)
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (p *AlertProcessor) apply(ctx context.Context, jobID string, aj queue.AlertJob, rule model.AlertRule, projectName string, group *model.ErrorGroup) error {
	trigger, err := p.shouldTrigger(ctx, aj, rule)
	if err != nil || !trigger {
		return err
	}

	notifier, ok := p.notifiers[rule.Channel]
	if !ok || rule.Target() == "" {
		p.logger.WarnContext(ctx, "no valid config for alert channel", "rule_id", rule.ID, "channel", rule.Channel)
		return nil
	}

	key := alertDedupeKey(jobID, aj, rule.ID)
	acquired, err := p.dedupe.Acquire(ctx, key, p.cfg.DedupeLease)
	if err != nil {
		return wrap("acquiring dedupe key", err)
	}
	if !acquired {
		p.logger.DebugContext(ctx, "alert already delivered or in progress", "rule_id", rule.ID)
		return nil
	}

	alert := Alert{
		Rule:         rule,
		ProjectName:  projectName,
		Group:        *group,
		DashboardURL: p.cfg.DashboardURL,
	}
	if rule.Channel == model.AlertChannelEmail && rule.Type != model.AlertRuleThreshold {
		if env, err := p.stores.Events().LatestEnv(ctx, group.Fingerprint); err == nil {
			alert.Environment = env
		}
	}

	sendErr := notifier.Notify(ctx, alert)
	p.record(ctx, aj, rule, sendErr)

	if sendErr != nil {
		p.dedupe.Release(ctx, key)
		return sendErr
	}
	p.dedupe.Confirm(ctx, key, p.cfg.DedupeTTL)
	p.logger.InfoContext(ctx, "alert delivered", "rule_id", rule.ID, "channel", rule.Channel, "type", rule.Type)
	return nil
}

func (p *AlertProcessor) shouldTrigger(ctx context.Context, aj queue.AlertJob, rule model.AlertRule) (bool, error) {
	switch rule.Type {
	case model.AlertRuleNewError:
		return aj.IsNewGroup, nil
	case model.AlertRuleRegression:
		return aj.IsRegression, nil
	case model.AlertRuleThreshold:
		if rule.Threshold == nil || rule.Window() <= 0 {
			return false, nil
		}
		since := p.now().Add(-rule.Window())
		count, err := p.stores.Events().CountSince(ctx, aj.ProjectID, since)
		if err != nil {
			return false, wrap("counting events in window", err)
		}
		if count < int64(*rule.Threshold) {
			return false, nil
		}
		recent, err := p.stores.Notifications().ExistsSince(ctx, rule.ID, since)
		if err != nil {
			return false, wrap("checking recent notifications", err)
		}
		return !recent, nil
	}
	return false, nil
}

func (p *AlertProcessor) record(ctx context.Context, aj queue.AlertJob, rule model.AlertRule, sendErr error) {
	now := p.now().UTC()
	n := &model.Notification{
		ID:          uuid.New(),
		RuleID:      rule.ID,
		ProjectID:   aj.ProjectID,
		Fingerprint: aj.Fingerprint,
		Channel:     rule.Channel,
		Status:      model.NotificationSent,
		SentAt:      &now,
		CreatedAt:   now,
	}
	if sendErr != nil {
		n.Status = model.NotificationFailed
		n.SentAt = nil
		n.Error = logger.Ptr(logger.Truncate(sendErr.Error(), 500))
	}
	if err := p.stores.Notifications().Create(ctx, n); err != nil {
		p.logger.ErrorContext(ctx, "failed to record notification", "error", err, "rule_id", rule.ID)
	}
}
