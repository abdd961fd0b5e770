package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/exportd-io/exportd/internal/broker"
	"github.com/exportd-io/exportd/internal/db"
	"github.com/exportd-io/exportd/internal/metrics"
	"github.com/exportd-io/exportd/internal/notification"
	"github.com/exportd-io/exportd/internal/repositories"
	"github.com/exportd-io/exportd/internal/storage"
	"github.com/exportd-io/exportd/internal/webhook"
	"github.com/exportd-io/exportd/internal/websocket"
)

// DefaultRetentionDays is the file retention applied when the tenant has no
// override.
const DefaultRetentionDays = 7

// Listener is the single terminal-state writer: it subscribes to the job
// lifecycle channel and converts events into authoritative Job rows, usage
// records, and fan-out (webhook, email, reminder, dashboard push). Workers
// never write COMPLETED or FAILED themselves.
type Listener struct {
	broker     *broker.Broker
	jobs       repositories.JobRepository
	tenants    repositories.TenantRepository
	usage      repositories.UsageRepository
	deliveries repositories.DeliveryRepository
	store      *storage.Store
	notifier   *notification.Service
	hub        *websocket.Hub
	logger     *zap.Logger
}

// ListenerConfig holds the listener's dependencies.
type ListenerConfig struct {
	Broker     *broker.Broker
	Jobs       repositories.JobRepository
	Tenants    repositories.TenantRepository
	Usage      repositories.UsageRepository
	Deliveries repositories.DeliveryRepository
	Store      *storage.Store
	Notifier   *notification.Service
	Hub        *websocket.Hub // optional
	Logger     *zap.Logger
}

// NewListener creates the event listener.
func NewListener(cfg ListenerConfig) *Listener {
	return &Listener{
		broker:     cfg.Broker,
		jobs:       cfg.Jobs,
		tenants:    cfg.Tenants,
		usage:      cfg.Usage,
		deliveries: cfg.Deliveries,
		store:      cfg.Store,
		notifier:   cfg.Notifier,
		hub:        cfg.Hub,
		logger:     cfg.Logger.Named("listener"),
	}
}

// Run blocks consuming lifecycle events until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	err := l.broker.SubscribeEvents(ctx, func(ev *broker.Event) {
		// Each event gets its own deadline so one slow handler cannot stall
		// the subscription past the broker's buffer.
		evCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		l.dispatch(evCtx, ev)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (l *Listener) dispatch(ctx context.Context, ev *broker.Event) {
	jobID, err := uuid.Parse(ev.JobID)
	if err != nil {
		l.logger.Warn("event carries malformed job id", zap.String("job_id", ev.JobID))
		return
	}

	switch ev.Type {
	case broker.EventCompleted:
		l.handleCompleted(ctx, jobID, ev)
	case broker.EventFailed:
		l.handleFailed(ctx, jobID, ev)
	case broker.EventProgress:
		l.handleProgress(ctx, jobID, ev)
	default:
		l.logger.Warn("unknown event type", zap.String("type", ev.Type))
	}
}

// -----------------------------------------------------------------------------
// completed
// -----------------------------------------------------------------------------

func (l *Listener) handleCompleted(ctx context.Context, jobID uuid.UUID, ev *broker.Event) {
	log := l.logger.With(zap.String("job_id", ev.JobID))

	job, err := l.jobs.GetByID(ctx, jobID)
	if err != nil {
		log.Error("completed event for unloadable job", zap.Error(err))
		return
	}
	tenant, err := l.tenants.GetByID(ctx, job.TenantID)
	if err != nil {
		log.Error("completed event for unloadable tenant", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	retention := tenant.RetentionDays
	if retention <= 0 {
		retention = DefaultRetentionDays
	}
	fileExpiresAt := now.Add(time.Duration(retention) * 24 * time.Hour)

	// Short-lived URL snapshot; the API regenerates on demand.
	url, urlUntil, err := l.store.PresignDownload(ctx, ev.Key, storage.DownloadURLTTL)
	if err != nil {
		log.Warn("failed to presign result snapshot", zap.Error(err))
	}

	format := resultFormat(ev)
	result := db.Job{
		ResultKey:    ev.Key,
		ResultBytes:  ev.Bytes,
		ResultRows:   ev.Rows,
		ResultFormat: format,
		ResultURL:    url,
	}
	if url != "" {
		result.ResultURLUntil = &urlUntil
	}

	if err := l.jobs.CommitCompleted(ctx, jobID, result, now, fileExpiresAt); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			// Already terminal — a duplicate event; fan-out ran on the first.
			return
		}
		log.Error("failed to commit COMPLETED", zap.Error(err))
		return
	}
	metrics.JobsCompleted.Inc()
	metrics.RowsExported.Add(float64(ev.Rows))

	// Everything below is fan-out: failures are logged, never unwound.
	period := now.Format("2006-01")
	if err := l.usage.Record(ctx, &db.UsageRecord{
		JobID:    jobID,
		TenantID: tenant.ID,
		Rows:     ev.Rows,
		Period:   period,
	}); err != nil {
		log.Error("failed to record usage", zap.Error(err))
	} else {
		l.maybeUsageAlert(ctx, log, tenant, ev.Rows, period)
	}

	l.fanOutWebhook(ctx, log, tenant, &webhook.EventPayload{
		Event:     webhook.EventExportCompleted,
		JobID:     ev.JobID,
		Status:    db.JobStatusCompleted,
		Format:    format,
		Rows:      ev.Rows,
		Bytes:     ev.Bytes,
		Timestamp: now.Format(time.RFC3339),
	})

	emailURL, emailUntil, err := l.store.PresignDownload(ctx, ev.Key, storage.EmailURLTTL)
	if err != nil {
		log.Warn("failed to presign email link", zap.Error(err))
	} else if err := l.notifier.ExportCompleted(ctx, tenant.ID, ev.JobID, format, emailURL, emailUntil); err != nil {
		log.Warn("completion email failed", zap.Error(err))
	}

	if tenant.PreDeletionNotice {
		if err := EnqueueNotice(ctx, l.broker, jobID, tenant.ID, fileExpiresAt); err != nil {
			log.Warn("failed to enqueue pre-deletion notice", zap.Error(err))
		}
	}

	l.push(ev.JobID, websocket.MsgJobStatus, map[string]any{
		"status":       db.JobStatusCompleted,
		"completed_at": now.Format(time.RFC3339),
		"rows":         ev.Rows,
		"bytes":        ev.Bytes,
	})
}

// -----------------------------------------------------------------------------
// failed
// -----------------------------------------------------------------------------

func (l *Listener) handleFailed(ctx context.Context, jobID uuid.UUID, ev *broker.Event) {
	log := l.logger.With(zap.String("job_id", ev.JobID))

	if !ev.Final {
		// Non-final attempt: append the error, keep the status non-terminal.
		// The broker has already re-queued the task.
		if err := l.jobs.RecordAttemptFailure(ctx, jobID, ev.Attempts, ev.Error); err != nil {
			log.Error("failed to record attempt failure", zap.Error(err))
		}
		return
	}

	job, err := l.jobs.GetByID(ctx, jobID)
	if err != nil {
		log.Error("failed event for unloadable job", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	if err := l.jobs.CommitFailed(ctx, jobID, ev.Error, now); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return
		}
		log.Error("failed to commit FAILED", zap.Error(err))
		return
	}
	metrics.JobsFailed.Inc()

	tenant, err := l.tenants.GetByID(ctx, job.TenantID)
	if err != nil {
		log.Error("failed event for unloadable tenant", zap.Error(err))
		return
	}

	l.fanOutWebhook(ctx, log, tenant, &webhook.EventPayload{
		Event:     webhook.EventExportFailed,
		JobID:     ev.JobID,
		Status:    db.JobStatusFailed,
		Error:     ev.Error,
		Timestamp: now.Format(time.RFC3339),
	})

	if err := l.notifier.ExportFailed(ctx, tenant.ID, ev.JobID, ev.Error); err != nil {
		log.Warn("failure email failed", zap.Error(err))
	}

	l.push(ev.JobID, websocket.MsgJobStatus, map[string]any{
		"status": db.JobStatusFailed,
		"error":  ev.Error,
	})
}

// -----------------------------------------------------------------------------
// progress
// -----------------------------------------------------------------------------

func (l *Listener) handleProgress(ctx context.Context, jobID uuid.UUID, ev *broker.Event) {
	if ev.Progress < 0 || ev.Progress > 100 {
		return
	}
	// The repository writes max(current, value), so out-of-order events
	// cannot roll progress back.
	if err := l.jobs.UpdateProgress(ctx, jobID, ev.Progress); err != nil {
		l.logger.Warn("failed to persist progress",
			zap.String("job_id", ev.JobID),
			zap.Int("progress", ev.Progress),
			zap.Error(err),
		)
	}
	l.push(ev.JobID, websocket.MsgJobProgress, map[string]any{"progress": ev.Progress})
}

// -----------------------------------------------------------------------------
// usage alert
// -----------------------------------------------------------------------------

// usageAlertFraction of the plan allowance at which the alert email goes out.
const usageAlertFraction = 0.8

// monthlyRowAllowance returns the rows included in a plan per calendar month.
// Zero means uncapped.
func monthlyRowAllowance(plan string) int64 {
	switch plan {
	case db.PlanScale:
		return 0
	case db.PlanPro:
		return 5_000_000
	default:
		return 100_000
	}
}

// crossedUsageThreshold reports whether adding rows pushed the monthly total
// across the alert threshold. Checking the crossing, not the level, fires the
// alert once per month instead of on every completed job above the line.
func crossedUsageThreshold(allowance, total, added int64) bool {
	if allowance <= 0 {
		return false
	}
	threshold := int64(float64(allowance) * usageAlertFraction)
	return total >= threshold && total-added < threshold
}

// maybeUsageAlert sends the approaching-plan-limit email when this job's rows
// crossed the threshold. Marketing-class, so consent is applied at send time.
func (l *Listener) maybeUsageAlert(ctx context.Context, log *zap.Logger, tenant *db.Tenant, added int64, period string) {
	allowance := monthlyRowAllowance(tenant.Plan)
	if allowance <= 0 {
		return
	}
	total, err := l.usage.MonthlyRows(ctx, tenant.ID, period)
	if err != nil {
		log.Warn("failed to total monthly usage", zap.Error(err))
		return
	}
	if !crossedUsageThreshold(allowance, total, added) {
		return
	}
	if err := l.notifier.UsageAlert(ctx, tenant.ID, period, total); err != nil {
		log.Warn("usage alert email failed", zap.Error(err))
	}
}

// resultFormat prefers the format carried by the event and falls back to the
// object key extension when a producer omitted it.
func resultFormat(ev *broker.Event) string {
	if ev.Format != "" {
		return ev.Format
	}
	return storage.FormatFromKey(ev.Key)
}

// -----------------------------------------------------------------------------
// fan-out helpers
// -----------------------------------------------------------------------------

// fanOutWebhook creates the PENDING ledger row and enqueues delivery. Skipped
// without a row when the tenant has no active webhook; skipped with a
// suppressed log when the circuit is open (the worker re-checks anyway).
func (l *Listener) fanOutWebhook(ctx context.Context, log *zap.Logger, tenant *db.Tenant, payload *webhook.EventPayload) {
	if !tenant.WebhookActive || tenant.WebhookURL == "" {
		return
	}
	if webhook.CircuitOpen(tenant, time.Now().UTC()) {
		log.Info("webhook fan-out suppressed by open circuit", zap.String("tenant_id", tenant.ID.String()))
		return
	}

	body, err := webhook.MarshalPayload(payload)
	if err != nil {
		log.Error("failed to marshal webhook payload", zap.Error(err))
		return
	}

	jobID, _ := uuid.Parse(payload.JobID)
	delivery := &db.WebhookDelivery{
		JobID:    jobID,
		TenantID: tenant.ID,
		Event:    payload.Event,
		Status:   db.DeliveryPending,
		Payload:  string(body),
	}
	if err := l.deliveries.Create(ctx, delivery); err != nil {
		log.Error("failed to create delivery row", zap.Error(err))
		return
	}
	if err := EnqueueDelivery(ctx, l.broker, delivery.ID); err != nil {
		// The PENDING row survives for operator replay.
		log.Error("failed to enqueue delivery", zap.String("delivery_id", delivery.ID.String()), zap.Error(err))
	}
}

func (l *Listener) push(jobID string, msgType websocket.MessageType, payload map[string]any) {
	if l.hub == nil {
		return
	}
	topic := fmt.Sprintf("job:%s", jobID)
	l.hub.Publish(topic, websocket.Message{Type: msgType, Topic: topic, Payload: payload})
}
