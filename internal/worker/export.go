// Package worker contains the broker consumers: the export worker pool, the
// webhook delivery pool, the pre-deletion notice worker, and the event
// listener that owns terminal job state.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/exportd-io/exportd/internal/broker"
	"github.com/exportd-io/exportd/internal/db"
	"github.com/exportd-io/exportd/internal/exporter"
	"github.com/exportd-io/exportd/internal/metrics"
	"github.com/exportd-io/exportd/internal/repositories"
)

// Export retry policy: 3 attempts with exponential backoff from 1s
// (1s, 2s, 4s).
const (
	ExportMaxAttempts = 3
	ExportBackoffBase = time.Second
	// ExportConcurrency is the default export worker pool size.
	ExportConcurrency = 5
)

// ExportTask is the payload of one export queue entry.
type ExportTask struct {
	JobID string `json:"jobId"`
}

// ExportWorker leases export tasks, drives the engine, and reports the
// outcome over the event bus. It never writes terminal state itself — the
// event listener does that.
type ExportWorker struct {
	broker *broker.Broker
	jobs   repositories.JobRepository
	engine *exporter.Engine
	pool   *broker.Pool
	logger *zap.Logger
}

// NewExportWorker creates the export worker pool. concurrency <= 0 uses the
// default.
func NewExportWorker(b *broker.Broker, jobs repositories.JobRepository, engine *exporter.Engine, concurrency int, logger *zap.Logger) *ExportWorker {
	if concurrency <= 0 {
		concurrency = ExportConcurrency
	}
	w := &ExportWorker{
		broker: b,
		jobs:   jobs,
		engine: engine,
		logger: logger.Named("export_worker"),
	}
	w.pool = broker.NewPool(b, broker.PoolConfig{
		Queue:       broker.QueueExports,
		Concurrency: concurrency,
		Handler:     w.handle,
		OnError:     w.onError,
		BackoffBase: ExportBackoffBase,
		Logger:      logger,
	})
	return w
}

// Start launches the pool. Stop by cancelling ctx and calling Wait.
func (w *ExportWorker) Start(ctx context.Context) { w.pool.Start(ctx) }

// Wait blocks until all workers have exited.
func (w *ExportWorker) Wait() { w.pool.Wait() }

func (w *ExportWorker) handle(ctx context.Context, task *broker.Task) error {
	var payload ExportTask
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("worker: parse export task: %w", err)
	}
	jobID, err := uuid.Parse(payload.JobID)
	if err != nil {
		return fmt.Errorf("worker: bad job id %q: %w", payload.JobID, err)
	}

	job, err := w.jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			// Row purged between enqueue and lease; nothing to do.
			w.logger.Warn("export task references missing job", zap.String("job_id", payload.JobID))
			return nil
		}
		return fmt.Errorf("worker: load job: %w", err)
	}
	if job.Terminal() {
		// A redelivered task for a job the listener already settled.
		return nil
	}

	attempt := task.Attempts + 1
	if err := w.jobs.MarkProcessing(ctx, job.ID, attempt, time.Now().UTC()); err != nil {
		return fmt.Errorf("worker: mark processing: %w", err)
	}

	started := time.Now()
	result, err := w.engine.Run(ctx, job, func(percent int) {
		w.publish(&broker.Event{
			Type:     broker.EventProgress,
			JobID:    job.ID.String(),
			TenantID: job.TenantID.String(),
			Progress: percent,
		})
	})
	if err != nil {
		return err
	}
	metrics.ExportDuration.Observe(time.Since(started).Seconds())

	w.publish(&broker.Event{
		Type:     broker.EventCompleted,
		JobID:    job.ID.String(),
		TenantID: job.TenantID.String(),
		Attempts: attempt,
		Key:      result.Key,
		Bytes:    result.Bytes,
		Rows:     result.Rows,
		Format:   result.Format,
	})
	return nil
}

// onError reports a failed attempt to the listener. Final is set when the
// pool will not re-queue, which is what lets the listener commit FAILED.
func (w *ExportWorker) onError(ctx context.Context, task *broker.Task, err error, willRetry bool) {
	var payload ExportTask
	if jerr := json.Unmarshal(task.Payload, &payload); jerr != nil {
		w.logger.Error("failed export task has unreadable payload", zap.Error(jerr))
		return
	}

	w.publish(&broker.Event{
		Type:     broker.EventFailed,
		JobID:    payload.JobID,
		Attempts: task.Attempts,
		Final:    !willRetry,
		Error:    err.Error(),
	})
}

// publish runs on a short background deadline: the worker's lease context may
// already be cancelled when the final failure is reported during shutdown.
func (w *ExportWorker) publish(ev *broker.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := w.broker.PublishEvent(ctx, ev); err != nil {
		w.logger.Error("failed to publish lifecycle event",
			zap.String("job_id", ev.JobID),
			zap.String("type", ev.Type),
			zap.Error(err),
		)
	}
}

// EnqueueExport creates the broker task for a job. Shared by API admission
// and the schedule engine. Returns the broker-side id.
func EnqueueExport(ctx context.Context, b *broker.Broker, jobID uuid.UUID, priority int) (string, error) {
	taskID, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("worker: task id: %w", err)
	}
	payload, err := json.Marshal(ExportTask{JobID: jobID.String()})
	if err != nil {
		return "", fmt.Errorf("worker: marshal export task: %w", err)
	}

	task := &broker.Task{
		ID:          taskID.String(),
		Queue:       broker.QueueExports,
		Payload:     payload,
		Priority:    priority,
		MaxAttempts: ExportMaxAttempts,
	}
	if err := b.Enqueue(ctx, task); err != nil {
		return "", err
	}
	return task.ID, nil
}

// PriorityForPlan maps a plan tier to its queue priority (lower = first).
func PriorityForPlan(plan string) int {
	switch plan {
	case db.PlanScale:
		return 1
	case db.PlanPro:
		return 5
	default:
		return 10
	}
}
