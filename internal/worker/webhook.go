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
	"github.com/exportd-io/exportd/internal/metrics"
	"github.com/exportd-io/exportd/internal/repositories"
	"github.com/exportd-io/exportd/internal/webhook"
)

// Webhook retry policy: 10 attempts with exponential backoff from 5s
// (5s, 10s, ..., ~43min), an envelope of roughly a day.
const (
	WebhookMaxAttempts = 10
	WebhookBackoffBase = 5 * time.Second
	// WebhookConcurrency is the default delivery pool size.
	WebhookConcurrency = 10
)

// errRetryDelivery signals the pool to re-queue; the ledger row has already
// been updated by the handler.
var errRetryDelivery = errors.New("worker: delivery will be retried")

// WebhookTask is the payload of one webhook queue entry.
type WebhookTask struct {
	DeliveryID string `json:"deliveryId"`
}

// WebhookWorker delivers ledger rows to tenant endpoints with the circuit
// breaker re-checked at send time.
type WebhookWorker struct {
	broker     *broker.Broker
	deliveries repositories.DeliveryRepository
	tenants    repositories.TenantRepository
	sender     *webhook.Sender
	pool       *broker.Pool
	logger     *zap.Logger
}

// NewWebhookWorker creates the delivery pool. concurrency <= 0 uses the
// default.
func NewWebhookWorker(b *broker.Broker, deliveries repositories.DeliveryRepository, tenants repositories.TenantRepository, concurrency int, logger *zap.Logger) *WebhookWorker {
	if concurrency <= 0 {
		concurrency = WebhookConcurrency
	}
	w := &WebhookWorker{
		broker:     b,
		deliveries: deliveries,
		tenants:    tenants,
		sender:     webhook.NewSender(),
		logger:     logger.Named("webhook_worker"),
	}
	w.pool = broker.NewPool(b, broker.PoolConfig{
		Queue:       broker.QueueWebhooks,
		Concurrency: concurrency,
		Handler:     w.handle,
		OnError:     w.onError,
		BackoffBase: WebhookBackoffBase,
		Logger:      logger,
	})
	return w
}

// Start launches the pool. Stop by cancelling ctx and calling Wait.
func (w *WebhookWorker) Start(ctx context.Context) { w.pool.Start(ctx) }

// Wait blocks until all workers have exited.
func (w *WebhookWorker) Wait() { w.pool.Wait() }

func (w *WebhookWorker) handle(ctx context.Context, task *broker.Task) error {
	var payload WebhookTask
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("worker: parse webhook task: %w", err)
	}
	deliveryID, err := uuid.Parse(payload.DeliveryID)
	if err != nil {
		return fmt.Errorf("worker: bad delivery id %q: %w", payload.DeliveryID, err)
	}

	delivery, err := w.deliveries.GetByID(ctx, deliveryID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			w.logger.Warn("webhook task references missing delivery", zap.String("delivery_id", payload.DeliveryID))
			return nil
		}
		return fmt.Errorf("worker: load delivery: %w", err)
	}
	if delivery.Status != db.DeliveryPending {
		return nil
	}

	tenant, err := w.tenants.GetByID(ctx, delivery.TenantID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			// Tenant erased mid-flight; the delivery dies with it.
			return nil
		}
		return fmt.Errorf("worker: load tenant: %w", err)
	}

	attempt := task.Attempts + 1
	now := time.Now().UTC()

	// The circuit may have opened since enqueue; a suppressed delivery fails
	// terminally without touching the endpoint.
	if webhook.CircuitOpen(tenant, now) {
		if err := w.deliveries.MarkFailed(ctx, delivery.ID, 0, attempt, "circuit breaker open"); err != nil {
			return fmt.Errorf("worker: mark circuit-failed: %w", err)
		}
		w.logger.Info("delivery suppressed by open circuit",
			zap.String("delivery_id", delivery.ID.String()),
			zap.String("tenant_id", tenant.ID.String()),
		)
		return nil
	}
	if !tenant.WebhookActive || tenant.WebhookURL == "" {
		return w.deliveries.MarkFailed(ctx, delivery.ID, 0, attempt, "webhook deactivated")
	}

	status, outcome, sendErr := w.sender.Send(ctx,
		tenant.WebhookURL, string(tenant.WebhookSecret),
		delivery.Event, delivery.ID.String(), []byte(delivery.Payload))

	switch outcome {
	case webhook.OutcomeDelivered:
		if err := w.deliveries.MarkDelivered(ctx, delivery.ID, status, attempt); err != nil {
			return fmt.Errorf("worker: mark delivered: %w", err)
		}
		metrics.WebhooksDelivered.WithLabelValues("delivered").Inc()
		if err := w.tenants.RecordWebhookSuccess(ctx, tenant.ID, now); err != nil {
			w.logger.Warn("failed to reset webhook circuit", zap.String("tenant_id", tenant.ID.String()), zap.Error(err))
		}
		return nil

	case webhook.OutcomePermanent:
		if err := w.deliveries.MarkFailed(ctx, delivery.ID, status, attempt, sendErr.Error()); err != nil {
			return fmt.Errorf("worker: mark failed: %w", err)
		}
		metrics.WebhooksDelivered.WithLabelValues("permanent").Inc()
		w.bumpCircuit(ctx, tenant.ID)
		return nil

	default: // retryable
		if err := w.deliveries.RecordAttempt(ctx, delivery.ID, status, attempt, sendErr.Error()); err != nil {
			w.logger.Warn("failed to record delivery attempt", zap.String("delivery_id", delivery.ID.String()), zap.Error(err))
		}
		w.bumpCircuit(ctx, tenant.ID)
		return fmt.Errorf("%w: %s", errRetryDelivery, sendErr)
	}
}

// onError finalizes the ledger when the pool gives up re-queueing.
func (w *WebhookWorker) onError(ctx context.Context, task *broker.Task, err error, willRetry bool) {
	if willRetry {
		return
	}

	var payload WebhookTask
	if jerr := json.Unmarshal(task.Payload, &payload); jerr != nil {
		return
	}
	deliveryID, perr := uuid.Parse(payload.DeliveryID)
	if perr != nil {
		return
	}

	bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if merr := w.deliveries.MarkFailed(bg, deliveryID, 0, task.Attempts, "retries exhausted: "+err.Error()); merr != nil {
		w.logger.Error("failed to finalize exhausted delivery",
			zap.String("delivery_id", payload.DeliveryID),
			zap.Error(merr),
		)
	}
}

func (w *WebhookWorker) bumpCircuit(ctx context.Context, tenantID uuid.UUID) {
	if err := w.tenants.RecordWebhookFailure(ctx, tenantID); err != nil {
		w.logger.Warn("failed to increment webhook failures", zap.String("tenant_id", tenantID.String()), zap.Error(err))
	}
}

// EnqueueDelivery creates the broker task for a PENDING ledger row.
func EnqueueDelivery(ctx context.Context, b *broker.Broker, deliveryID uuid.UUID) error {
	taskID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("worker: task id: %w", err)
	}
	payload, err := json.Marshal(WebhookTask{DeliveryID: deliveryID.String()})
	if err != nil {
		return fmt.Errorf("worker: marshal webhook task: %w", err)
	}
	return b.Enqueue(ctx, &broker.Task{
		ID:          taskID.String(),
		Queue:       broker.QueueWebhooks,
		Payload:     payload,
		Priority:    0,
		MaxAttempts: WebhookMaxAttempts,
	})
}
