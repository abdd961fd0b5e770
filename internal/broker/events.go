package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// eventsChannel is the pub/sub channel carrying job lifecycle events from the
// workers to the event listener (the single terminal-state writer).
const eventsChannel = "events:jobs"

// Event types published on the lifecycle channel.
const (
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventProgress  = "progress"
)

// Event is one job lifecycle message. Result fields are set on completed
// events only; Error and Final on failed events; Progress on progress events.
type Event struct {
	Type     string `json:"type"`
	JobID    string `json:"job_id"`
	TenantID string `json:"tenant_id"`
	Attempts int    `json:"attempts,omitempty"`

	// Final marks a failed event whose attempt count has reached the retry
	// ceiling; the listener commits FAILED and fans out.
	Final bool `json:"final,omitempty"`

	// Result tuple, set on completed.
	Key    string `json:"key,omitempty"`
	Bytes  int64  `json:"bytes,omitempty"`
	Rows   int64  `json:"rows,omitempty"`
	Format string `json:"format,omitempty"`

	Error    string `json:"error,omitempty"`
	Progress int    `json:"progress,omitempty"`
}

// PublishEvent emits a lifecycle event. Publishing is fire-and-forget from
// the worker's perspective; a lost event is reconciled by the ghost sweep.
func (b *Broker) PublishEvent(ctx context.Context, ev *Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("broker: marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, eventsChannel, body).Err(); err != nil {
		return fmt.Errorf("broker: publish event: %w", err)
	}
	return nil
}

// SubscribeEvents delivers lifecycle events to handle until ctx is cancelled.
// Malformed messages are logged and skipped — the channel is shared
// infrastructure and one bad publisher must not wedge the listener.
func (b *Broker) SubscribeEvents(ctx context.Context, handle func(*Event)) error {
	sub := b.rdb.Subscribe(ctx, eventsChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Warn("dropping malformed lifecycle event",
					zap.String("payload", msg.Payload),
					zap.Error(err),
				)
				continue
			}
			handle(&ev)
		}
	}
}
