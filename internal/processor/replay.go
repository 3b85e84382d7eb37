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

// Replay sessions cover the minute leading up to the error.
const replayWindow = time.Minute

// ReplayProcessor stores replay bundles and the errors reported with them.
type ReplayProcessor struct {
	stores    StoreProvider
	txRunner  TxRunner
	producer  queue.Producer
	publisher notify.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func NewReplayProcessor(stores StoreProvider, txRunner TxRunner, producer queue.Producer, publisher notify.Publisher, logger *slog.Logger) *ReplayProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplayProcessor{
		stores:    stores,
		txRunner:  txRunner,
		producer:  producer,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

type ReplayResult struct {
	Fingerprint    string
	SessionCreated bool
	EventsStored   bool
	EventCount     int
	Duplicate      bool
}

func (p *ReplayProcessor) Process(ctx context.Context, job queue.Job) error {
	_, err := p.Handle(ctx, job)
	return err
}

func (p *ReplayProcessor) Handle(ctx context.Context, job queue.Job) (*ReplayResult, error) {
	var rj queue.ReplayJob
	if err := job.Decode(&rj); err != nil {
		return nil, err
	}
	if rj.ProjectID == "" || rj.SessionID == "" {
		return nil, fmt.Errorf("replay job %s needs a project and a session", job.ID)
	}
	if rj.Error.Level == "" {
		rj.Error.Level = string(model.LevelError)
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{ProjectID: logger.Ptr(rj.ProjectID)})

	existing, err := p.stores.Replays().GetSession(ctx, rj.SessionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, wrap("loading replay session", err)
	}
	if existing != nil && existing.ProjectID != rj.ProjectID {
		return nil, fmt.Errorf("%w: session %s", ErrSessionOwnership, rj.SessionID)
	}

	errorTime := rj.Timestamp
	if errorTime.IsZero() {
		errorTime = job.EnqueuedAt
	}
	now := p.now().UTC()
	eligible := model.Level(rj.Error.Level).ReplayEligible()
	hasEvents := rj.Events != nil && *rj.Events != ""
	capture := eligible && hasEvents

	res := &ReplayResult{}
	err = p.txRunner.WithTx(ctx, func(sp StoreProvider) error {
		var errorEventID *uuid.UUID

		if rj.Error.Message != "" {
			file := firstNonEmpty(rj.Error.File, rj.URL)
			line := 0
			if rj.Error.Line != nil {
				line = *rj.Error.Line
			}
			message := ScrubPII(rj.Error.Message)
			stack := message
			if rj.Error.Stack != nil {
				stack = ScrubPII(*rj.Error.Stack)
			}
			res.Fingerprint = replayFingerprint(rj.ProjectID, rj.Error.Message, file, line)

			var sessionID *string
			if eligible && (existing != nil || hasEvents) {
				sessionID = &rj.SessionID
			}

			eventID := rowID(job.ID, "replay-error")
			inserted, err := sp.Events().Insert(ctx, &model.ErrorEvent{
				ID:          eventID,
				Fingerprint: res.Fingerprint,
				ProjectID:   rj.ProjectID,
				Stack:       stack,
				URL:         rj.URL,
				Env:         "production",
				Level:       model.Level(rj.Error.Level),
				SessionID:   sessionID,
				Release:     rj.Release,
				CreatedAt:   now,
			})
			if err != nil {
				return wrap("inserting replay error event", err)
			}
			if !inserted {
				res.Duplicate = true
				return nil
			}

			upsert, err := sp.Groups().Upsert(ctx, &model.ErrorGroup{
				Fingerprint: res.Fingerprint,
				ProjectID:   rj.ProjectID,
				Message:     message,
				File:        file,
				Line:        line,
				Level:       model.Level(rj.Error.Level),
			}, now)
			if err != nil {
				return wrap("upserting group", err)
			}

			if _, err := p.producer.Enqueue(ctx, queue.Alerts, queue.AlertJob{
				EventID:      eventID.String(),
				ProjectID:    rj.ProjectID,
				Fingerprint:  res.Fingerprint,
				IsNewGroup:   upsert.IsNew(),
				IsRegression: upsert.WasResolved,
				Level:        rj.Error.Level,
				Message:      message,
			}); err != nil {
				return wrap("enqueueing alert", err)
			}
			errorEventID = &eventID
		}

		if capture && existing == nil {
			device := userDevice(rj.UserAgent)
			created, err := sp.Replays().CreateSession(ctx, &model.ReplaySession{
				ID:         rj.SessionID,
				ProjectID:  rj.ProjectID,
				StartedAt:  errorTime.Add(-replayWindow),
				EndedAt:    errorTime,
				Duration:   replayWindow,
				URL:        rj.URL,
				UserAgent:  rj.UserAgent,
				DeviceType: device.Type,
				Browser:    device.Browser,
				OS:         device.OS,
				CreatedAt:  now,
			})
			if err != nil {
				return wrap("creating replay session", err)
			}
			res.SessionCreated = created
		}

		if capture {
			events := DecodeBundle(*rj.Events)
			res.EventCount = len(events)
			stored, err := sp.Replays().InsertEvents(ctx, &model.SessionEvents{
				ID:           rowID(job.ID, "replay-events"),
				SessionID:    rj.SessionID,
				ErrorEventID: errorEventID,
				Type:         bundleType(events),
				Data:         *rj.Events,
				Timestamp:    errorTime,
			})
			if err != nil {
				return wrap("storing replay events", err)
			}
			res.EventsStored = stored
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Duplicate {
		p.logger.DebugContext(ctx, "duplicate replay error ignored", "fingerprint", res.Fingerprint)
		return res, nil
	}

	if res.SessionCreated || res.EventsStored {
		publish(ctx, p.stores, p.publisher, notify.KindReplayNew, rj.ProjectID, notify.ReplayPayload{
			SessionID:   rj.SessionID,
			Fingerprint: res.Fingerprint,
		})
	}

	p.logger.DebugContext(ctx, "replay processed",
		"session_id", rj.SessionID,
		"fingerprint", res.Fingerprint,
		"session_created", res.SessionCreated,
		"event_count", res.EventCount)

	return res, nil
}

func userDevice(userAgent *string) Device {
	if userAgent == nil {
		return ParseUserAgent("")
	}
	return ParseUserAgent(*userAgent)
}

func firstNonEmpty(values ...*string) string {
	for _, v := range values {
		if v != nil && *v != "" {
			return *v
		}
	}
	return "unknown"
}
