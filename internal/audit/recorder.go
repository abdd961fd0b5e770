// Package audit provides the asynchronous audit-log writer. Writes go through
// a bounded channel drained by a single goroutine, so the request path never
// blocks on the audit table. When the buffer is full the entry is dropped and
// the drop is logged — audit is best-effort by contract, the request outcome
// never depends on it.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/exportd-io/exportd/internal/db"
	"github.com/exportd-io/exportd/internal/repositories"
)

const (
	bufferSize   = 1024
	writeTimeout = 5 * time.Second
)

// Recorder accepts audit entries and persists them in the background.
type Recorder struct {
	repo   repositories.AuditRepository
	logger *zap.Logger
	ch     chan db.AuditLog
	done   chan struct{}
}

// NewRecorder starts the drain goroutine and returns the recorder.
func NewRecorder(repo repositories.AuditRepository, logger *zap.Logger) *Recorder {
	r := &Recorder{
		repo:   repo,
		logger: logger.Named("audit"),
		ch:     make(chan db.AuditLog, bufferSize),
		done:   make(chan struct{}),
	}
	go r.drain()
	return r
}

// Record queues an entry. It never blocks: a full buffer drops the entry and
// logs the loss.
func (r *Recorder) Record(entry db.AuditLog) {
	select {
	case r.ch <- entry:
	default:
		r.logger.Warn("audit buffer full, entry dropped",
			zap.String("action", entry.Action),
			zap.String("tenant_id", entry.TenantID.String()),
		)
	}
}

// Close stops accepting entries and waits for the drain goroutine to flush
// what is already buffered.
func (r *Recorder) Close() {
	close(r.ch)
	<-r.done
}

func (r *Recorder) drain() {
	defer close(r.done)
	for entry := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := r.repo.Create(ctx, &entry); err != nil {
			r.logger.Error("failed to write audit entry",
				zap.String("action", entry.Action),
				zap.Error(err),
			)
		}
		cancel()
	}
}
