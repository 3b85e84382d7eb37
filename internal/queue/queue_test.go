package queue_test

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"errorwatch.app/pipeline/common/id"
	"errorwatch.app/pipeline/internal/queue"
)

var _ = Describe("Redis queue", func() {
	var (
		ctx      context.Context
		mr       *miniredis.Miniredis
		client   *redis.Client
		producer queue.Producer
		events   *queue.RedisConsumer
	)

	BeforeEach(func() {
		ctx = context.Background()
		mr = miniredis.RunT(GinkgoT())
		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		DeferCleanup(client.Close)

		producer = queue.NewRedisProducer(client)

		var err error
		events, err = queue.NewRedisConsumer(ctx, client, queue.ConsumerConfig{
			Queue:    queue.Events,
			Consumer: "test-1",
			Block:    20 * time.Millisecond,
		})
		Expect(err).NotTo(HaveOccurred())
	})

	eventJob := func() queue.EventJob {
		return queue.EventJob{
			ProjectID: "proj-1",
			Message:   "TypeError: x is undefined",
			File:      "app.js",
			Line:      10,
			Stack:     "at main (app.js:10:5)",
			Env:       "production",
			Level:     "fatal",
			CreatedAt: time.UnixMilli(1700000000000).UTC(),
		}
	}

	Describe("Enqueue", func() {
		It("assigns an ID and makes the job readable from its queue", func() {
			jobID, err := producer.Enqueue(ctx, queue.Events, eventJob())
			Expect(err).NotTo(HaveOccurred())
			Expect(jobID).NotTo(BeEmpty())

			msgs, err := events.Read(ctx, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(msgs).To(HaveLen(1))
			Expect(msgs[0].Job.ID).To(Equal(jobID))
			Expect(msgs[0].Job.Queue).To(Equal(queue.Events))
			Expect(msgs[0].Job.Attempts).To(Equal(1))

			var got queue.EventJob
			Expect(msgs[0].Job.Decode(&got)).To(Succeed())
			Expect(got.Message).To(Equal("TypeError: x is undefined"))
			Expect(got.CreatedAt.Equal(eventJob().CreatedAt)).To(BeTrue())
		})

		It("rejects unknown queue names", func() {
			_, err := producer.Enqueue(ctx, queue.Name("metrics"), eventJob())
			Expect(err).To(MatchError(queue.ErrUnknownQueue))
		})

		It("rejects a payload sent to the wrong queue", func() {
			_, err := producer.Enqueue(ctx, queue.Alerts, eventJob())
			Expect(err).To(MatchError(queue.ErrPayloadMismatch))
			Expect(mr.Exists(queue.Alerts.Stream())).To(BeFalse())
		})
	})

	It("refuses to decode a payload as another queue's variant", func() {
		_, err := producer.Enqueue(ctx, queue.Events, eventJob())
		Expect(err).NotTo(HaveOccurred())
		msgs, err := events.Read(ctx, 1)
		Expect(err).NotTo(HaveOccurred())

		var alert queue.AlertJob
		Expect(msgs[0].Job.Decode(&alert)).To(MatchError(queue.ErrPayloadMismatch))
	})

	It("returns nothing when the stream is idle", func() {
		msgs, err := events.Read(ctx, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(msgs).To(BeEmpty())
	})

	It("acks and drops malformed entries", func() {
		Expect(client.XAdd(ctx, &redis.XAddArgs{
			Stream: queue.Events.Stream(),
			Values: map[string]any{"garbage": "1"},
		}).Err()).To(Succeed())

		msgs, err := events.Read(ctx, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(msgs).To(BeEmpty())

		pending, err := events.Pending(ctx, 0, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(pending).To(BeEmpty())
	})

	It("acks on success so nothing stays pending", func() {
		_, err := producer.Enqueue(ctx, queue.Events, eventJob())
		Expect(err).NotTo(HaveOccurred())
		msgs, _ := events.Read(ctx, 1)

		Expect(events.Ack(ctx, msgs[0])).To(Succeed())

		pending, err := events.Pending(ctx, 0, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(pending).To(BeEmpty())
	})

	Describe("retry", func() {
		It("parks the next attempt in the delayed set until it is due", func() {
			_, err := producer.Enqueue(ctx, queue.Events, eventJob())
			Expect(err).NotTo(HaveOccurred())
			msgs, _ := events.Read(ctx, 1)

			Expect(events.Retry(ctx, msgs[0], time.Hour, "db down")).To(Succeed())

			n, err := events.PromoteDue(ctx, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeZero())

			pending, _ := events.Pending(ctx, 0, 10)
			Expect(pending).To(BeEmpty())
			members, _ := mr.ZMembers(queue.Events.DelayedSet())
			Expect(members).To(HaveLen(1))
		})

		It("promotes due retries back onto the stream with the attempt bumped", func() {
			jobID, _ := producer.Enqueue(ctx, queue.Events, eventJob())
			msgs, _ := events.Read(ctx, 1)

			Expect(events.Retry(ctx, msgs[0], 0, "db down")).To(Succeed())
			n, err := events.PromoteDue(ctx, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))

			again, err := events.Read(ctx, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(again).To(HaveLen(1))
			Expect(again[0].Job.ID).To(Equal(jobID))
			Expect(again[0].Job.Attempts).To(Equal(2))
			Expect(again[0].Job.LastError).To(Equal("db down"))

			n, _ = events.PromoteDue(ctx, 10)
			Expect(n).To(BeZero())
		})

		It("keeps a retry in the delayed set when it cannot reach the stream", func() {
			_, err := producer.Enqueue(ctx, queue.Events, eventJob())
			Expect(err).NotTo(HaveOccurred())
			msgs, _ := events.Read(ctx, 1)
			Expect(events.Retry(ctx, msgs[0], 0, "db down")).To(Succeed())

			mr.Del(queue.Events.Stream())
			Expect(mr.Set(queue.Events.Stream(), "not a stream")).To(Succeed())

			n, err := events.PromoteDue(ctx, 10)
			Expect(err).To(MatchError(ContainSubstring("promoting retry")))
			Expect(n).To(BeZero())
			members, _ := mr.ZMembers(queue.Events.DelayedSet())
			Expect(members).To(HaveLen(1))

			mr.Del(queue.Events.Stream())
			n, err = events.PromoteDue(ctx, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
			Expect(mr.Exists(queue.Events.DelayedSet())).To(BeFalse())
		})
	})

	It("moves exhausted jobs to the dead-letter stream", func() {
		jobID, _ := producer.Enqueue(ctx, queue.Events, eventJob())
		msgs, _ := events.Read(ctx, 1)

		Expect(events.SendDLQ(ctx, msgs[0], "boom")).To(Succeed())

		dead, err := client.XRange(ctx, queue.Events.DLQStream(), "-", "+").Result()
		Expect(err).NotTo(HaveOccurred())
		Expect(dead).To(HaveLen(1))
		Expect(dead[0].Values["job_id"]).To(Equal(jobID))
		Expect(dead[0].Values["error"]).To(Equal("boom"))

		pending, _ := events.Pending(ctx, 0, 10)
		Expect(pending).To(BeEmpty())
	})

	It("lets another consumer claim a stale delivery", func() {
		_, _ = producer.Enqueue(ctx, queue.Events, eventJob())
		msgs, _ := events.Read(ctx, 1)
		Expect(msgs).To(HaveLen(1))

		other, err := queue.NewRedisConsumer(ctx, client, queue.ConsumerConfig{Queue: queue.Events, Consumer: "test-2", Block: 20 * time.Millisecond})
		Expect(err).NotTo(HaveOccurred())

		claimed, ok, err := other.Claim(ctx, msgs[0].ID, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(claimed.Job.ID).To(Equal(msgs[0].Job.ID))
	})
})

var _ = Describe("ParseJob", func() {
	It("falls back to the job ID's issue time when enqueued_at is absent", func() {
		jobID := id.NewString()

		job, err := queue.ParseJob(redis.XMessage{ID: "1-0", Values: map[string]any{
			"job_id":  jobID,
			"queue":   "events",
			"payload": `{"projectId":"p"}`,
		}})

		Expect(err).NotTo(HaveOccurred())
		Expect(job.Attempts).To(Equal(1))
		Expect(job.EnqueuedAt).To(BeTemporally("~", time.Now(), 5*time.Second))
	})

	It("rejects payloads that are not JSON", func() {
		_, err := queue.ParseJob(redis.XMessage{ID: "1-0", Values: map[string]any{
			"job_id":  "1",
			"queue":   "events",
			"payload": "{",
		}})

		Expect(err).To(HaveOccurred())
	})
})
