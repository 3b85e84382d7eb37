package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"errorwatch.app/pipeline/common/logger"
	"errorwatch.app/pipeline/internal/model"
	"errorwatch.app/pipeline/internal/notify"
	"errorwatch.app/pipeline/internal/queue"
)

// EventProcessor groups raw error occurrences and fans out follow-up work.
type EventProcessor struct {
	stores    StoreProvider
	txRunner  TxRunner
	producer  queue.Producer
	publisher notify.Publisher
	logger    *slog.Logger
}

func NewEventProcessor(stores StoreProvider, txRunner TxRunner, producer queue.Producer, publisher notify.Publisher, logger *slog.Logger) *EventProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventProcessor{
		stores:    stores,
		txRunner:  txRunner,
		producer:  producer,
		publisher: publisher,
		logger:    logger,
	}
}

// EventResult describes what processing one EventJob did.
type EventResult struct {
	Fingerprint  string
	IsNewGroup   bool
	IsRegression bool
	Duplicate    bool
}

func (p *EventProcessor) Process(ctx context.Context, job queue.Job) error {
	_, err := p.Handle(ctx, job)
	return err
}

func (p *EventProcessor) Handle(ctx context.Context, job queue.Job) (*EventResult, error) {
	var ev queue.EventJob
	if err := job.Decode(&ev); err != nil {
		return nil, err
	}
	if ev.ProjectID == "" {
		return nil, fmt.Errorf("event job %s has no project", job.ID)
	}
	if ev.Level == "" {
		ev.Level = string(model.LevelError)
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{ProjectID: logger.Ptr(ev.ProjectID)})

	message := ScrubPII(ev.Message)
	stack := ScrubPII(ev.Stack)

	rules, err := p.stores.FingerprintRules().ListByProject(ctx, ev.ProjectID)
	if err != nil {
		return nil, wrap("listing fingerprint rules", err)
	}
	fingerprint := Fingerprint(FingerprintInput{
		ProjectID: ev.ProjectID,
		Message:   ev.Message,
		File:      ev.File,
		Line:      ev.Line,
		Column:    ev.Column,
		Stack:     ev.Stack,
	}, rules)

	occurredAt := ev.CreatedAt
	if occurredAt.IsZero() {
		occurredAt = job.EnqueuedAt
	}

	breadcrumbs, err := encodeBreadcrumbs(ev.Breadcrumbs)
	if err != nil {
		return nil, err
	}

	res := &EventResult{Fingerprint: fingerprint}
	eventID := rowID(job.ID, "event")
	err = p.txRunner.WithTx(ctx, func(sp StoreProvider) error {
		inserted, err := sp.Events().Insert(ctx, &model.ErrorEvent{
			ID:          eventID,
			Fingerprint: fingerprint,
			ProjectID:   ev.ProjectID,
			Stack:       stack,
			URL:         ev.URL,
			Env:         ev.Env,
			StatusCode:  ev.StatusCode,
			Level:       model.Level(ev.Level),
			Breadcrumbs: breadcrumbs,
			SessionID:   ev.SessionID,
			UserID:      nonEmpty(ev.UserID),
			Release:     ev.Release,
			CreatedAt:   occurredAt,
		})
		if err != nil {
			return wrap("inserting event", err)
		}
		if !inserted {
			res.Duplicate = true
			return nil
		}

		upsert, err := sp.Groups().Upsert(ctx, &model.ErrorGroup{
			Fingerprint: fingerprint,
			ProjectID:   ev.ProjectID,
			Message:     message,
			File:        ev.File,
			Line:        ev.Line,
			URL:         ev.URL,
			StatusCode:  ev.StatusCode,
			Level:       model.Level(ev.Level),
		}, occurredAt)
		if err != nil {
			return wrap("upserting group", err)
		}
		res.IsNewGroup = upsert.IsNew()
		res.IsRegression = upsert.WasResolved

		if nonEmpty(ev.UserID) != nil {
			if err := sp.Groups().RefreshUsersAffected(ctx, fingerprint); err != nil {
				return wrap("refreshing affected users", err)
			}
		}

		// Enqueued inside the transaction so a failed enqueue rolls the event back.
		_, err = p.producer.Enqueue(ctx, queue.Alerts, queue.AlertJob{
			EventID:      eventID.String(),
			ProjectID:    ev.ProjectID,
			Fingerprint:  fingerprint,
			IsNewGroup:   res.IsNewGroup,
			IsRegression: res.IsRegression,
			Level:        ev.Level,
			Message:      message,
		})
		if err != nil {
			return wrap("enqueueing alert", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Duplicate {
		p.logger.DebugContext(ctx, "duplicate event ignored", "fingerprint", fingerprint)
		return res, nil
	}

	publish(ctx, p.stores, p.publisher, issueKind(res), ev.ProjectID, notify.IssuePayload{
		Fingerprint: fingerprint,
		Message:     message,
		Level:       ev.Level,
	})

	p.logger.DebugContext(ctx, "event processed",
		"fingerprint", fingerprint,
		"is_new_group", res.IsNewGroup,
		"is_regression", res.IsRegression,
		"latency_ms", time.Since(job.EnqueuedAt).Milliseconds())

	return res, nil
}

func issueKind(res *EventResult) notify.Kind {
	switch {
	case res.IsRegression:
		return notify.KindIssueRegressed
	case res.IsNewGroup:
		return notify.KindIssueNew
	default:
		return notify.KindIssueUpdated
	}
}

func encodeBreadcrumbs(crumbs []queue.Breadcrumb) (json.RawMessage, error) {
	if len(crumbs) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(crumbs)
	if err != nil {
		return nil, wrap("encoding breadcrumbs", err)
	}
	return raw, nil
}

func nonEmpty(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	return s
}
