// Package metrics exposes the Prometheus instrumentation: job lifecycle
// counters incremented by the event listener and polled gauges for queue
// depths and realtime connections.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/exportd-io/exportd/internal/broker"
	"github.com/exportd-io/exportd/internal/websocket"
)

const pollInterval = 15 * time.Second

var (
	// JobsCompleted counts terminal COMPLETED transitions.
	JobsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exportd_jobs_completed_total",
		Help: "Export jobs that reached COMPLETED.",
	})

	// JobsFailed counts terminal FAILED transitions.
	JobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exportd_jobs_failed_total",
		Help: "Export jobs that reached FAILED after exhausting retries.",
	})

	// RowsExported counts rows streamed into completed exports.
	RowsExported = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exportd_rows_exported_total",
		Help: "Rows written into completed exports.",
	})

	// RateLimitRejections counts 429s per tier, loop-guard trips included
	// under their own label.
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exportd_ratelimit_rejections_total",
		Help: "Requests rejected by the rate limiter, by tier.",
	}, []string{"tier"})

	// ExportDuration observes successful engine runs end to end.
	ExportDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "exportd_export_duration_seconds",
		Help:    "Wall time of successful export runs.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// WebhooksDelivered counts webhook deliveries by outcome.
	WebhooksDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exportd_webhook_deliveries_total",
		Help: "Webhook delivery attempts by final classification.",
	}, []string{"outcome"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "exportd_queue_depth",
		Help: "Pending tasks per broker queue.",
	}, []string{"queue"})

	wsConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exportd_websocket_connections",
		Help: "Currently connected WebSocket clients.",
	})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Poll refreshes the gauges until ctx is cancelled. Run it in its own
// goroutine; broker errors are logged and the stale gauge value stands until
// the next tick.
func Poll(ctx context.Context, b *broker.Broker, hub *websocket.Hub, logger *zap.Logger) {
	log := logger.Named("metrics")
	queues := []string{broker.QueueExports, broker.QueueWebhooks, broker.QueueNotices}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, q := range queues {
				depth, err := b.QueueDepth(ctx, q)
				if err != nil {
					log.Warn("failed to read queue depth", zap.String("queue", q), zap.Error(err))
					continue
				}
				queueDepth.WithLabelValues(q).Set(float64(depth))
			}
			if hub != nil {
				wsConnections.Set(float64(hub.ConnectedCount()))
			}
		}
	}
}
