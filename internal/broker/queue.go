package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue names used by the server.
const (
	QueueExports  = "exports"
	QueueWebhooks = "webhooks"
	QueueNotices  = "notices"
)

// ErrEmpty is returned by Dequeue when no task became ready within the wait.
var ErrEmpty = errors.New("broker: queue empty")

// Task is one unit of queued work. ID doubles as the broker-side correlation
// id stored on the Job row. Payload is opaque JSON owned by the enqueuer.
type Task struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

func readyKey(queue string) string      { return "queue:" + queue }
func delayedKey(queue string) string    { return "queue:" + queue + ":delayed" }
func processingKey(queue string) string { return "queue:" + queue + ":processing" }
func taskKey(queue, id string) string {
	return "queue:" + queue + ":task:" + id
}

// taskTTL bounds how long a task body survives without being consumed.
// Generous compared to the longest retry envelope (~24h for webhooks).
const taskTTL = 72 * time.Hour

// TaskLease is the visibility timeout on a dequeued task. A worker that
// neither acknowledges nor re-queues within the lease loses it and the task
// returns to the ready set. Must exceed the longest honest handler run.
const TaskLease = 5 * time.Minute

// Enqueue stores the task body and adds its id to the ready set with the
// given priority. Lower priority numbers are dequeued first; within a
// priority, ids are popped in lexicographic order, which for UUID v7 ids is
// enqueue order.
func (b *Broker) Enqueue(ctx context.Context, task *Task) error {
	task.EnqueuedAt = time.Now().UTC()

	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("broker: marshal task: %w", err)
	}

	pipe := b.rdb.TxPipeline()
	pipe.Set(ctx, taskKey(task.Queue, task.ID), body, taskTTL)
	pipe.ZAdd(ctx, readyKey(task.Queue), redis.Z{
		Score:  float64(task.Priority),
		Member: task.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("broker: enqueue %s: %w", task.Queue, err)
	}
	return nil
}

// EnqueueIn schedules the task to become ready after the delay. Used for
// retry backoff; promotion happens in Dequeue.
func (b *Broker) EnqueueIn(ctx context.Context, task *Task, delay time.Duration) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("broker: marshal task: %w", err)
	}

	readyAt := time.Now().UTC().Add(delay)
	pipe := b.rdb.TxPipeline()
	pipe.Set(ctx, taskKey(task.Queue, task.ID), body, taskTTL)
	pipe.ZAdd(ctx, delayedKey(task.Queue), redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: task.ID,
	})
	// Re-queued tasks come off a held lease; release it so the expiry
	// reclaimer cannot double-deliver.
	pipe.ZRem(ctx, processingKey(task.Queue), task.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("broker: enqueue delayed %s: %w", task.Queue, err)
	}
	return nil
}

// promoteDueScript moves tasks whose readiness time has passed from the
// delayed set to the ready set, preserving their stored priority by falling
// back to score 0 (delayed tasks are retries and should not queue-jump ahead
// of priority 0, but retries are rare enough that re-reading the body for
// the original priority is not worth a second round trip).
var promoteDueScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, id in ipairs(due) do
    redis.call("ZREM", KEYS[1], id)
    redis.call("ZADD", KEYS[2], 0, id)
end
return #due
`)

// reclaimExpiredScript returns tasks whose lease deadline has passed from the
// processing set to the ready set. Like retries they re-enter at score 0: a
// reclaimed task has already waited a full lease and should not queue behind
// fresh work.
var reclaimExpiredScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, id in ipairs(expired) do
    redis.call("ZREM", KEYS[1], id)
    redis.call("ZADD", KEYS[2], 0, id)
end
return #expired
`)

// Dequeue blocks up to wait for the next ready task, reclaiming expired
// leases and promoting due delayed tasks first. The returned task is leased:
// the caller must Remove it (done) or EnqueueIn it (retry) before TaskLease
// elapses, or it is delivered again. Returns ErrEmpty on timeout so worker
// loops can re-check their context.
func (b *Broker) Dequeue(ctx context.Context, queue string, wait time.Duration) (*Task, error) {
	now := time.Now().UTC().UnixMilli()
	if err := reclaimExpiredScript.Run(ctx, b.rdb,
		[]string{processingKey(queue), readyKey(queue)}, now).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("broker: reclaim expired %s: %w", queue, err)
	}
	if err := promoteDueScript.Run(ctx, b.rdb,
		[]string{delayedKey(queue), readyKey(queue)}, now).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("broker: promote delayed %s: %w", queue, err)
	}

	res, err := b.rdb.BZPopMin(ctx, wait, readyKey(queue)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("broker: dequeue %s: %w", queue, err)
	}

	id, _ := res.Z.Member.(string)
	body, err := b.rdb.Get(ctx, taskKey(queue, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Body expired under the ready entry; treat as empty rather
			// than surfacing a phantom task.
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("broker: load task %s: %w", id, err)
	}

	deadline := time.Now().UTC().Add(TaskLease)
	if err := b.rdb.ZAdd(ctx, processingKey(queue), redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: id,
	}).Err(); err != nil {
		return nil, fmt.Errorf("broker: lease task %s: %w", id, err)
	}

	var task Task
	if err := json.Unmarshal(body, &task); err != nil {
		return nil, fmt.Errorf("broker: unmarshal task %s: %w", id, err)
	}
	return &task, nil
}

// Remove acknowledges a task after terminal handling, releasing its lease and
// deleting the body.
func (b *Broker) Remove(ctx context.Context, queue, id string) error {
	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, processingKey(queue), id)
	pipe.Del(ctx, taskKey(queue, id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("broker: remove task %s: %w", id, err)
	}
	return nil
}

// QueueDepth returns the number of ready tasks, used by metrics collection.
func (b *Broker) QueueDepth(ctx context.Context, queue string) (int64, error) {
	n, err := b.rdb.ZCard(ctx, readyKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("broker: queue depth %s: %w", queue, err)
	}
	return n, nil
}
