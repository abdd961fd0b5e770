package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/exportd-io/exportd/internal/broker"
	"github.com/exportd-io/exportd/internal/notification"
)

// NoticeLeadTime is how long before file expiry the pre-deletion reminder
// fires.
const NoticeLeadTime = 24 * time.Hour

// NoticeTask is the payload of one delayed pre-deletion reminder.
type NoticeTask struct {
	JobID     string    `json:"jobId"`
	TenantID  string    `json:"tenantId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// NoticeWorker drains the delayed reminder queue at single concurrency; the
// volume is one task per completed job at most.
type NoticeWorker struct {
	notifier *notification.Service
	pool     *broker.Pool
	logger   *zap.Logger
}

// NewNoticeWorker creates the reminder worker.
func NewNoticeWorker(b *broker.Broker, notifier *notification.Service, logger *zap.Logger) *NoticeWorker {
	w := &NoticeWorker{
		notifier: notifier,
		logger:   logger.Named("notice_worker"),
	}
	w.pool = broker.NewPool(b, broker.PoolConfig{
		Queue:       broker.QueueNotices,
		Concurrency: 1,
		Handler:     w.handle,
		BackoffBase: time.Minute,
		Logger:      logger,
	})
	return w
}

// Start launches the worker. Stop by cancelling ctx and calling Wait.
func (w *NoticeWorker) Start(ctx context.Context) { w.pool.Start(ctx) }

// Wait blocks until the worker has exited.
func (w *NoticeWorker) Wait() { w.pool.Wait() }

func (w *NoticeWorker) handle(ctx context.Context, task *broker.Task) error {
	var payload NoticeTask
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("worker: parse notice task: %w", err)
	}
	tenantID, err := uuid.Parse(payload.TenantID)
	if err != nil {
		return fmt.Errorf("worker: bad tenant id %q: %w", payload.TenantID, err)
	}
	if time.Now().UTC().After(payload.ExpiresAt) {
		// The file is already gone; a reminder would only confuse.
		return nil
	}
	return w.notifier.PreDeletionNotice(ctx, tenantID, payload.JobID, payload.ExpiresAt)
}

// EnqueueNotice schedules the reminder to fire NoticeLeadTime before the
// file expires. Files living shorter than the lead time get no reminder.
func EnqueueNotice(ctx context.Context, b *broker.Broker, jobID, tenantID uuid.UUID, expiresAt time.Time) error {
	delay := time.Until(expiresAt.Add(-NoticeLeadTime))
	if delay <= 0 {
		return nil
	}

	taskID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("worker: task id: %w", err)
	}
	payload, err := json.Marshal(NoticeTask{
		JobID:     jobID.String(),
		TenantID:  tenantID.String(),
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return fmt.Errorf("worker: marshal notice task: %w", err)
	}
	return b.EnqueueIn(ctx, &broker.Task{
		ID:          taskID.String(),
		Queue:       broker.QueueNotices,
		Payload:     payload,
		MaxAttempts: 3,
	}, delay)
}
