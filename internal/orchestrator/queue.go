// Package orchestrator is the Job Orchestrator (spec.md §4.8): three
// durable named queues (downloads/crawls/exports) dispatching catalog
// jobs onto worker processes, with at-least-once delivery, late
// acknowledgment, bounded worker lifetime, and cooperative cancellation.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammed-shakir/geocache-ingest/internal/jobmodel"
)

// Queue names, matching spec.md §4.8's three durable named queues.
const (
	QueueDownloads = "downloads"
	QueueCrawls    = "crawls"
	QueueExports   = "exports"
)

// Task is one unit of work handed to a worker. Payload carries the
// job-kind-specific arguments (a JobID at minimum); Queue names which of
// the three durable queues it was read from.
type Task struct {
	ID         string
	Queue      string
	JobID      string
	Payload    map[string]any
	DeliveryID string // broker-assigned delivery handle, needed to Ack
	Attempt    int
}

// QueueBackend is the trimmed subset of a general work-queue contract
// (Enqueue/Dequeue/Ack/Nack, at-least-once semantics, consumer groups)
// this build actually exercises — the full contract additionally covers
// DLQ migration and multi-backend portability, which are out of scope
// here since Redis Streams is the only backend this build wires.
type QueueBackend interface {
	Enqueue(ctx context.Context, queue string, jobID string, payload map[string]any) error
	// Dequeue blocks up to DequeueOptions.Timeout for the next task,
	// returning nil, nil on a timeout with nothing available.
	Dequeue(ctx context.Context, queue string, opts DequeueOptions) (*Task, error)
	Ack(ctx context.Context, queue string, task *Task) error
	// Nack returns the task to the queue (requeue=true) or drops it
	// (requeue=false, used once a task's own retry cap is exhausted).
	Nack(ctx context.Context, queue string, task *Task, requeue bool) error
	Length(ctx context.Context, queue string) (int64, error)
	Health(ctx context.Context) error
}

// DequeueOptions configures one blocking read.
type DequeueOptions struct {
	Timeout       time.Duration
	ConsumerGroup string
	ConsumerID    string
}

// RedisStreamsBackend implements QueueBackend on Redis Streams +
// consumer groups: XAdd to enqueue, XReadGroup to dequeue (crash
// recovery via XAutoClaim picking up another consumer's idle pending
// entries), XAck+XDel on success, and on Nack either leaving the entry
// pending for a later XAutoClaim (requeue) or XAck+XDel (drop).
type RedisStreamsBackend struct {
	client *redis.Client
}

func NewRedisStreamsBackend(client *redis.Client) *RedisStreamsBackend {
	return &RedisStreamsBackend{client: client}
}

const streamMaxLen = 100_000

func (b *RedisStreamsBackend) ensureGroup(ctx context.Context, queue, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, queue, group, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return fmt.Errorf("%w: create consumer group %s on %s: %v", jobmodel.ErrConfiguration, group, queue, err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && (err.Error() == "BUSYGROUP Consumer Group name already exists")
}

func (b *RedisStreamsBackend) Enqueue(ctx context.Context, queue string, jobID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: marshal task payload: %v", jobmodel.ErrConfiguration, err)
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: queue,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"job_id": jobID, "payload": body},
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: enqueue to %s: %v", jobmodel.ErrStorageFailure, queue, err)
	}
	return nil
}

func (b *RedisStreamsBackend) Dequeue(ctx context.Context, queue string, opts DequeueOptions) (*Task, error) {
	if err := b.ensureGroup(ctx, queue, opts.ConsumerGroup); err != nil {
		return nil, err
	}

	// Reclaim stale pending entries first (a crashed worker's unacked
	// delivery), satisfying at-least-once delivery across worker crashes.
	claimed, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   queue,
		Group:    opts.ConsumerGroup,
		Consumer: opts.ConsumerID,
		MinIdle:  2 * time.Minute,
		Start:    "0",
		Count:    1,
	}).Result()
	if err == nil && len(claimed) > 0 {
		// The delivery count includes the first delivery, so a reclaimed
		// entry's retry attempt is one less than that count.
		attempt := 1
		pending, pErr := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: queue,
			Group:  opts.ConsumerGroup,
			Start:  claimed[0].ID,
			End:    claimed[0].ID,
			Count:  1,
		}).Result()
		if pErr == nil && len(pending) > 0 && pending[0].RetryCount > 1 {
			attempt = int(pending[0].RetryCount) - 1
		}
		return taskFromMessage(queue, claimed[0], attempt), nil
	}

	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    opts.ConsumerGroup,
		Consumer: opts.ConsumerID,
		Streams:  []string{queue, ">"},
		Count:    1,
		Block:    opts.Timeout,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dequeue from %s: %v", jobmodel.ErrTransientUpstream, queue, err)
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return nil, nil
	}
	return taskFromMessage(queue, res[0].Messages[0], 0), nil
}

func taskFromMessage(queue string, msg redis.XMessage, attempt int) *Task {
	task := &Task{ID: msg.ID, Queue: queue, DeliveryID: msg.ID, Attempt: attempt}
	if jobID, ok := msg.Values["job_id"].(string); ok {
		task.JobID = jobID
	}
	if raw, ok := msg.Values["payload"].(string); ok {
		_ = json.Unmarshal([]byte(raw), &task.Payload)
	}
	return task
}

func (b *RedisStreamsBackend) Ack(ctx context.Context, queue string, task *Task) error {
	group, _ := task.Payload["_group"].(string)
	if group == "" {
		group = defaultGroup(queue)
	}
	if err := b.client.XAck(ctx, queue, group, task.DeliveryID).Err(); err != nil {
		return fmt.Errorf("%w: ack %s on %s: %v", jobmodel.ErrStorageFailure, task.DeliveryID, queue, err)
	}
	b.client.XDel(ctx, queue, task.DeliveryID)
	return nil
}

func (b *RedisStreamsBackend) Nack(ctx context.Context, queue string, task *Task, requeue bool) error {
	group, _ := task.Payload["_group"].(string)
	if group == "" {
		group = defaultGroup(queue)
	}
	// Leaving the entry un-acked makes it eligible for XAutoClaim again;
	// dropping it outright (retry cap exhausted) acks it off the PEL.
	if requeue {
		return nil
	}
	if err := b.client.XAck(ctx, queue, group, task.DeliveryID).Err(); err != nil {
		return fmt.Errorf("%w: drop exhausted task %s: %v", jobmodel.ErrStorageFailure, task.DeliveryID, err)
	}
	b.client.XDel(ctx, queue, task.DeliveryID)
	return nil
}

func (b *RedisStreamsBackend) Length(ctx context.Context, queue string) (int64, error) {
	n, err := b.client.XLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: length of %s: %v", jobmodel.ErrTransientUpstream, queue, err)
	}
	return n, nil
}

func (b *RedisStreamsBackend) Health(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis ping: %v", jobmodel.ErrTransientUpstream, err)
	}
	return nil
}

func defaultGroup(queue string) string { return queue + "-workers" }
