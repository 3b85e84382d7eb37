package processor_test

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"errorwatch.app/pipeline/internal/model"
	"errorwatch.app/pipeline/internal/notify"
	"errorwatch.app/pipeline/internal/processor"
	"errorwatch.app/pipeline/internal/queue"
	"errorwatch.app/pipeline/internal/store"
)

var _ = Describe("EventProcessor", func() {
	var (
		ctx       context.Context
		stores    *mockStores
		tx        *mockTxRunner
		producer  *mockProducer
		publisher *recordingPublisher
		proc      *processor.EventProcessor
	)

	BeforeEach(func() {
		ctx = context.Background()
		stores = newMockStores()
		tx = &mockTxRunner{stores: stores}
		producer = &mockProducer{}
		publisher = &recordingPublisher{}
		proc = processor.NewEventProcessor(stores, tx, producer, publisher, nil)
	})

	fatalEvent := func() queue.EventJob {
		return queue.EventJob{
			ProjectID: "proj-1",
			Message:   "TypeError: cannot read 'x' of undefined for jane@example.com",
			File:      "https://cdn.example.com/app.js?v=3",
			Line:      42,
			Stack:     "TypeError: boom\n    at render (https://cdn.example.com/app.js:42:7)\n    at main (https://cdn.example.com/app.js:10:1)",
			Env:       "production",
			Level:     "fatal",
			CreatedAt: time.UnixMilli(1700000000000).UTC(),
		}
	}

	It("publishes issue:new for the first fatal event of a group", func() {
		res, err := proc.Handle(ctx, jobFor(queue.Events, "job-1", fatalEvent()))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.IsNewGroup).To(BeTrue())
		Expect(res.IsRegression).To(BeFalse())

		events := publisher.published()
		Expect(events).To(HaveLen(1))
		Expect(events[0].Type).To(Equal(notify.KindIssueNew))
		Expect(events[0].OrganizationID).To(Equal("org-acme"))
		Expect(events[0].ProjectID).To(Equal("proj-1"))

		payload := decodePayload[notify.IssuePayload](events[0])
		Expect(payload.Fingerprint).To(Equal(res.Fingerprint))
		Expect(payload.Level).To(Equal("fatal"))
		Expect(payload.Message).To(ContainSubstring("[email]"))
		Expect(payload.Message).NotTo(ContainSubstring("jane@example.com"))

		alerts := producer.alerts()
		Expect(alerts).To(HaveLen(1))
		Expect(alerts[0].IsNewGroup).To(BeTrue())
		Expect(alerts[0].Fingerprint).To(Equal(res.Fingerprint))
	})

	It("publishes issue:updated for later occurrences of the same group", func() {
		_, err := proc.Handle(ctx, jobFor(queue.Events, "job-1", fatalEvent()))
		Expect(err).NotTo(HaveOccurred())

		res, err := proc.Handle(ctx, jobFor(queue.Events, "job-2", fatalEvent()))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.IsNewGroup).To(BeFalse())

		events := publisher.published()
		Expect(events).To(HaveLen(2))
		Expect(events[1].Type).To(Equal(notify.KindIssueUpdated))

		group, err := stores.groups.GetByFingerprint(ctx, res.Fingerprint)
		Expect(err).NotTo(HaveOccurred())
		Expect(group.Count).To(Equal(int64(2)))
	})

	It("reopens a resolved group and flags the regression", func() {
		first, err := proc.Handle(ctx, jobFor(queue.Events, "job-1", fatalEvent()))
		Expect(err).NotTo(HaveOccurred())
		group, _ := stores.groups.GetByFingerprint(ctx, first.Fingerprint)
		group.Status = model.GroupStatusResolved
		stores.groups.put(*group)

		res, err := proc.Handle(ctx, jobFor(queue.Events, "job-2", fatalEvent()))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.IsRegression).To(BeTrue())

		events := publisher.published()
		Expect(events[len(events)-1].Type).To(Equal(notify.KindIssueRegressed))
		alerts := producer.alerts()
		Expect(alerts[len(alerts)-1].IsRegression).To(BeTrue())

		reopened, _ := stores.groups.GetByFingerprint(ctx, res.Fingerprint)
		Expect(reopened.Status).To(Equal(model.GroupStatusOpen))
	})

	It("treats a redelivered job as a duplicate without side effects", func() {
		job := jobFor(queue.Events, "job-1", fatalEvent())
		_, err := proc.Handle(ctx, job)
		Expect(err).NotTo(HaveOccurred())

		res, err := proc.Handle(ctx, job)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Duplicate).To(BeTrue())

		Expect(stores.events.stored()).To(HaveLen(1))
		Expect(producer.alerts()).To(HaveLen(1))
		Expect(publisher.published()).To(HaveLen(1))
		group, _ := stores.groups.GetByFingerprint(ctx, res.Fingerprint)
		Expect(group.Count).To(Equal(int64(1)))
	})

	It("stores the scrubbed stack and refreshes affected users", func() {
		ev := fatalEvent()
		ev.Stack = "Error: token=\"abc123\" from 10.0.0.1"
		ev.UserID = ptr("user-9")

		_, err := proc.Handle(ctx, jobFor(queue.Events, "job-1", ev))
		Expect(err).NotTo(HaveOccurred())

		stored := stores.events.stored()
		Expect(stored).To(HaveLen(1))
		Expect(stored[0].Stack).To(Equal(`Error: "[filtered_key]":"[filtered]" from [ip]`))
		Expect(*stored[0].UserID).To(Equal("user-9"))
		Expect(stores.groups.refreshes).To(Equal(1))
	})

	It("groups by the first matching custom rule", func() {
		stores.rules.rules = []model.FingerprintRule{
			{Pattern: "([", GroupKey: "broken", Priority: 100},
			{Pattern: "cannot read", GroupKey: "nullish", Priority: 10},
		}

		res, err := proc.Handle(ctx, jobFor(queue.Events, "job-1", fatalEvent()))
		Expect(err).NotTo(HaveOccurred())

		sum := sha1.Sum([]byte("proj-1|custom|nullish"))
		Expect(res.Fingerprint).To(Equal(hex.EncodeToString(sum[:])))
	})

	It("returns an error when the alert cannot be enqueued", func() {
		producer.enqueueFn = func(context.Context, queue.Name, queue.Payload) (string, error) {
			return "", errors.New("redis down")
		}

		_, err := proc.Handle(ctx, jobFor(queue.Events, "job-1", fatalEvent()))
		Expect(err).To(MatchError(ContainSubstring("enqueueing alert")))
		Expect(publisher.published()).To(BeEmpty())
	})

	It("ties the alert to the event row so a rolled-back attempt cannot alert twice", func() {
		_, err := proc.Handle(ctx, jobFor(queue.Events, "job-1", fatalEvent()))
		Expect(err).NotTo(HaveOccurred())

		// A retry after a failed commit starts from an empty database.
		fresh := newMockStores()
		retry := processor.NewEventProcessor(fresh, &mockTxRunner{stores: fresh}, producer, publisher, nil)
		_, err = retry.Handle(ctx, jobFor(queue.Events, "job-1", fatalEvent()))
		Expect(err).NotTo(HaveOccurred())

		alerts := producer.alerts()
		Expect(alerts).To(HaveLen(2))
		Expect(alerts[0].EventID).NotTo(BeEmpty())
		Expect(alerts[1].EventID).To(Equal(alerts[0].EventID))
	})

	It("skips the notification when the project cannot be resolved", func() {
		stores.projects.getByIDFn = func(context.Context, string) (*model.Project, error) {
			return nil, store.ErrNotFound
		}

		_, err := proc.Handle(ctx, jobFor(queue.Events, "job-1", fatalEvent()))
		Expect(err).NotTo(HaveOccurred())
		Expect(publisher.published()).To(BeEmpty())
		Expect(producer.alerts()).To(HaveLen(1))
	})

	It("refuses jobs from another queue", func() {
		err := proc.Process(ctx, jobFor(queue.Alerts, "job-1", queue.AlertJob{ProjectID: "proj-1"}))
		Expect(err).To(MatchError(queue.ErrPayloadMismatch))
	})
})

func ptr[T any](v T) *T {
	return &v
}
