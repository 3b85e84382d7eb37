package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"errorwatch.app/pipeline/common/id"
	"errorwatch.app/pipeline/common/logger"
)

type ConsumerConfig struct {
	Queue    Name
	Consumer string        // Redis consumer name, unique per process
	Block    time.Duration // How long Read blocks waiting for new entries; zero means one second
}

const defaultBlock = time.Second

// Message is a job as delivered from its stream.
type Message struct {
	ID  string // stream entry ID
	Job Job
	Raw redis.XMessage
}

// MessageHandler processes a delivered message.
type MessageHandler func(ctx context.Context, msg Message) error

type RedisConsumer struct {
	client *redis.Client
	cfg    ConsumerConfig
	now    func() time.Time
}

func NewRedisConsumer(ctx context.Context, client *redis.Client, cfg ConsumerConfig) (*RedisConsumer, error) {
	if !cfg.Queue.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, cfg.Queue)
	}
	// go-redis sends BLOCK 0 for a zero duration, which blocks forever.
	if cfg.Block <= 0 {
		cfg.Block = defaultBlock
	}
	consumer := &RedisConsumer{
		client: client,
		cfg:    cfg,
		now:    time.Now,
	}

	if err := consumer.ensureGroup(ctx); err != nil {
		return nil, err
	}

	return consumer, nil
}

func (c *RedisConsumer) Queue() Name {
	return c.cfg.Queue
}

func (c *RedisConsumer) ensureGroup(ctx context.Context) error {
	// Start from "0" so entries added while no group existed are not skipped.
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Queue.Stream(), c.cfg.Queue.Group(), "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group: %w", err)
	}
	return nil
}

// Read returns up to count new entries for this consumer. Entries that cannot
// be parsed are acknowledged and dropped so they are never redelivered.
func (c *RedisConsumer) Read(ctx context.Context, count int64) ([]Message, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Queue.Group(),
		Consumer: c.cfg.Consumer,
		// ">" only hands out entries never delivered; stale pending ones belong to the reclaimer.
		Streams: []string{c.cfg.Queue.Stream(), ">"},
		Count:   count,
		Block:   c.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading from stream: %w", err)
	}

	var messages []Message
	for _, stream := range streams {
		for _, raw := range stream.Messages {
			msg, ok := c.parseOrDrop(ctx, raw)
			if ok {
				messages = append(messages, msg)
			}
		}
	}
	return messages, nil
}

// Claim takes ownership of a pending entry idle for at least minIdle.
// It returns false when another consumer claimed or acknowledged it first.
func (c *RedisConsumer) Claim(ctx context.Context, entryID string, minIdle time.Duration) (Message, bool, error) {
	claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   c.cfg.Queue.Stream(),
		Group:    c.cfg.Queue.Group(),
		Consumer: c.cfg.Consumer,
		MinIdle:  minIdle,
		Messages: []string{entryID},
	}).Result()
	if err != nil {
		return Message{}, false, fmt.Errorf("xclaim: %w", err)
	}
	if len(claimed) == 0 {
		return Message{}, false, nil
	}
	msg, ok := c.parseOrDrop(ctx, claimed[0])
	return msg, ok, nil
}

// Pending lists entries delivered but unacknowledged for longer than minIdle.
func (c *RedisConsumer) Pending(ctx context.Context, minIdle time.Duration, count int64) ([]redis.XPendingExt, error) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.cfg.Queue.Stream(),
		Group:  c.cfg.Queue.Group(),
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xpending: %w", err)
	}
	return pending, nil
}

func (c *RedisConsumer) parseOrDrop(ctx context.Context, raw redis.XMessage) (Message, bool) {
	job, err := ParseJob(raw)
	if err != nil {
		slog.ErrorContext(ctx, "dropping malformed queue entry",
			"error", err,
			"message_id", raw.ID,
			"stream", c.cfg.Queue.Stream())
		_ = c.Ack(ctx, Message{ID: raw.ID, Raw: raw})
		return Message{}, false
	}
	if job.Queue != c.cfg.Queue {
		slog.ErrorContext(ctx, "dropping entry tagged for another queue",
			"message_id", raw.ID,
			"tagged_queue", job.Queue,
			"stream", c.cfg.Queue.Stream())
		_ = c.Ack(ctx, Message{ID: raw.ID, Raw: raw})
		return Message{}, false
	}
	return Message{ID: raw.ID, Job: job, Raw: raw}, true
}

func (c *RedisConsumer) Ack(ctx context.Context, msg Message) error {
	if err := c.client.XAck(ctx, c.cfg.Queue.Stream(), c.cfg.Queue.Group(), msg.ID).Err(); err != nil {
		return fmt.Errorf("xack (stream=%s): %w", c.cfg.Queue.Stream(), err)
	}
	return nil
}

// Retry acknowledges the delivery and schedules the next attempt after delay.
// The ack and the schedule are applied atomically.
func (c *RedisConsumer) Retry(ctx context.Context, msg Message, delay time.Duration, errMsg string) error {
	next := msg.Job
	next.Attempts++
	next.LastError = logger.Truncate(errMsg, 1024)

	member, err := json.Marshal(jobValues(next))
	if err != nil {
		return fmt.Errorf("encoding retry: %w", err)
	}
	due := c.now().Add(delay)

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, c.cfg.Queue.Stream(), c.cfg.Queue.Group(), msg.ID)
		pipe.ZAdd(ctx, c.cfg.Queue.DelayedSet(), redis.Z{
			Score:  float64(due.UnixMilli()),
			Member: string(member),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("scheduling retry: %w", err)
	}

	slog.InfoContext(ctx, "job scheduled for retry",
		"next_attempt", next.Attempts,
		"delay", delay,
		"reason", next.LastError)
	return nil
}

// SendDLQ acknowledges the delivery and parks the job on the dead-letter stream.
func (c *RedisConsumer) SendDLQ(ctx context.Context, msg Message, errMsg string) error {
	values := jobValues(msg.Job)
	values["error"] = logger.Truncate(errMsg, 4096)
	values["failed_at"] = c.now().UnixMilli()

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, c.cfg.Queue.Stream(), c.cfg.Queue.Group(), msg.ID)
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: c.cfg.Queue.DLQStream(),
			Values: values,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("xadd dlq (stream=%s): %w", c.cfg.Queue.DLQStream(), err)
	}

	slog.ErrorContext(ctx, "job moved to dead-letter queue",
		"final_error", errMsg,
		"attempts", msg.Job.Attempts,
		"dlq_stream", c.cfg.Queue.DLQStream())
	return nil
}

// promoteScript moves one delayed member onto the stream. The member is only
// removed once XADD succeeded, and the script runs atomically, so a retry is
// never lost between the two and concurrent promoters never enqueue it twice.
//
// KEYS[1] delayed set, KEYS[2] stream; ARGV[1] member, ARGV[2..] field/value pairs.
var promoteScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	return 0
end
local added = redis.pcall('XADD', KEYS[2], '*', unpack(ARGV, 2))
if type(added) == 'table' and added.err then
	return redis.error_reply(added.err)
end
redis.call('ZREM', KEYS[1], ARGV[1])
return 1
`)

// PromoteDue moves retries whose due time has passed back onto the stream.
func (c *RedisConsumer) PromoteDue(ctx context.Context, limit int64) (int, error) {
	members, err := c.client.ZRangeByScore(ctx, c.cfg.Queue.DelayedSet(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(c.now().UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("listing due retries: %w", err)
	}

	keys := []string{c.cfg.Queue.DelayedSet(), c.cfg.Queue.Stream()}
	promoted := 0
	for _, member := range members {
		var values map[string]any
		if err := json.Unmarshal([]byte(member), &values); err != nil || len(values) == 0 {
			slog.ErrorContext(ctx, "dropping corrupt delayed entry", "error", err, "queue", c.cfg.Queue)
			if err := c.client.ZRem(ctx, c.cfg.Queue.DelayedSet(), member).Err(); err != nil {
				return promoted, fmt.Errorf("dropping corrupt retry: %w", err)
			}
			continue
		}

		args := make([]any, 0, 1+2*len(values))
		args = append(args, member)
		fields := make([]string, 0, len(values))
		for field := range values {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		for _, field := range fields {
			args = append(args, field, fmt.Sprint(values[field]))
		}

		moved, err := promoteScript.Run(ctx, c.client, keys, args...).Int()
		if err != nil {
			return promoted, fmt.Errorf("promoting retry: %w", err)
		}
		promoted += moved
	}
	return promoted, nil
}

// ParseJob decodes a stream entry into a Job.
func ParseJob(msg redis.XMessage) (Job, error) {
	jobID, err := parseString(msg.Values, "job_id")
	if err != nil {
		return Job{}, err
	}
	queueName, err := parseString(msg.Values, "queue")
	if err != nil {
		return Job{}, err
	}
	name, err := ParseName(queueName)
	if err != nil {
		return Job{}, err
	}
	payload, err := parseString(msg.Values, "payload")
	if err != nil {
		return Job{}, err
	}
	if !json.Valid([]byte(payload)) {
		return Job{}, fmt.Errorf("payload is not valid JSON")
	}

	attempts, err := parseOptionalInt(msg.Values, "attempt")
	if err != nil {
		return Job{}, err
	}
	if attempts <= 0 {
		attempts = 1
	}
	enqueuedMs, err := parseOptionalInt64(msg.Values, "enqueued_at")
	if err != nil {
		return Job{}, err
	}

	job := Job{
		ID:        jobID,
		Queue:     name,
		Payload:   json.RawMessage(payload),
		Attempts:  attempts,
		TraceID:   parseOptionalString(msg.Values, "trace_id"),
		LastError: parseOptionalString(msg.Values, "last_error"),
	}
	if enqueuedMs != nil {
		job.EnqueuedAt = time.UnixMilli(*enqueuedMs)
	} else if issued, err := id.IssuedAt(jobID); err == nil {
		job.EnqueuedAt = issued
	}
	return job, nil
}

func parseString(values map[string]any, key string) (string, error) {
	raw, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing %s", key)
	}
	s := fmt.Sprint(raw)
	if s == "" {
		return "", fmt.Errorf("empty %s", key)
	}
	return s, nil
}

func parseOptionalInt64(values map[string]any, key string) (*int64, error) {
	raw, ok := values[key]
	if !ok {
		return nil, nil
	}
	num, err := strconv.ParseInt(fmt.Sprint(raw), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", key, err)
	}
	return &num, nil
}

func parseOptionalInt(values map[string]any, key string) (int, error) {
	raw, ok := values[key]
	if !ok {
		return 0, nil
	}
	num, err := strconv.Atoi(fmt.Sprint(raw))
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return num, nil
}

func parseOptionalString(values map[string]any, key string) string {
	raw, ok := values[key]
	if !ok {
		return ""
	}
	return fmt.Sprint(raw)
}

// jobValues flattens a job into stream fields. Every value is a string so the
// same map round-trips through the delayed set's JSON members unchanged.
func jobValues(job Job) map[string]any {
	values := map[string]any{
		"job_id":      job.ID,
		"queue":       string(job.Queue),
		"payload":     string(job.Payload),
		"attempt":     strconv.Itoa(job.Attempts),
		"enqueued_at": strconv.FormatInt(job.EnqueuedAt.UnixMilli(), 10),
	}
	if job.TraceID != "" {
		values["trace_id"] = job.TraceID
	}
	if job.LastError != "" {
		values["last_error"] = job.LastError
	}
	return values
}
