// Package retention runs the nightly cleanup pass and the ghost-job sweep.
// Every step is independent: a failing step is logged and the pass moves on,
// so one bad table or an object-store outage never blocks the rest.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/exportd-io/exportd/internal/repositories"
	"github.com/exportd-io/exportd/internal/storage"
)

const (
	// Cleanup windows.
	revokedKeyAge   = 30 * 24 * time.Hour
	auditAge        = 365 * 24 * time.Hour
	deliveryAge     = 90 * 24 * time.Hour
	purgeableJobAge = 90 * 24 * time.Hour
	memberAge       = 30 * 24 * time.Hour

	// ghostGrace is how long a QUEUED row may sit without events before the
	// sweep fails it. Far beyond the export retry envelope.
	ghostGrace = 15 * time.Minute

	ghostTick    = 5 * time.Minute
	purgeBatch   = 500
	passTimeout  = 10 * time.Minute
	ghostTimeout = 30 * time.Second
	nightlySpec  = "0 3 * * *"
)

// Engine owns the scheduled cleanup jobs.
type Engine struct {
	cron       gocron.Scheduler
	jobs       repositories.JobRepository
	keys       repositories.APIKeyRepository
	audits     repositories.AuditRepository
	deliveries repositories.DeliveryRepository
	accounts   repositories.AccountRepository
	store      *storage.Store
	logger     *zap.Logger
}

// Config wires an Engine.
type Config struct {
	Jobs       repositories.JobRepository
	Keys       repositories.APIKeyRepository
	Audits     repositories.AuditRepository
	Deliveries repositories.DeliveryRepository
	Accounts   repositories.AccountRepository
	Store      *storage.Store
	Logger     *zap.Logger
}

// New creates an Engine. Call Start to begin processing.
func New(cfg Config) (*Engine, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("retention: create scheduler: %w", err)
	}
	return &Engine{
		cron:       s,
		jobs:       cfg.Jobs,
		keys:       cfg.Keys,
		audits:     cfg.Audits,
		deliveries: cfg.Deliveries,
		accounts:   cfg.Accounts,
		store:      cfg.Store,
		logger:     cfg.Logger.Named("retention"),
	}, nil
}

// Start registers the nightly pass (03:00 UTC, off the busy hours) and the
// ghost sweep, then starts the scheduler.
func (e *Engine) Start() error {
	if _, err := e.cron.NewJob(
		gocron.CronJob(nightlySpec, false),
		gocron.NewTask(e.nightly),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("retention: register nightly pass: %w", err)
	}
	if _, err := e.cron.NewJob(
		gocron.DurationJob(ghostTick),
		gocron.NewTask(e.sweepGhosts),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("retention: register ghost sweep: %w", err)
	}
	e.cron.Start()
	e.logger.Info("retention engine started")
	return nil
}

// Stop shuts down the scheduler, waiting for a running pass.
func (e *Engine) Stop() error {
	if err := e.cron.Shutdown(); err != nil {
		return fmt.Errorf("retention: shutdown: %w", err)
	}
	e.logger.Info("retention engine stopped")
	return nil
}

// RunNow executes one nightly pass immediately. Used by the seed tool and
// tests; the scheduled path calls the same code.
func (e *Engine) RunNow(ctx context.Context) {
	e.run(ctx)
}

func (e *Engine) nightly() {
	ctx, cancel := context.WithTimeout(context.Background(), passTimeout)
	defer cancel()
	e.run(ctx)
}

func (e *Engine) run(ctx context.Context) {
	now := time.Now().UTC()
	start := time.Now()

	steps := []struct {
		name string
		fn   func(context.Context) (int64, error)
	}{
		{"revoked_keys", func(ctx context.Context) (int64, error) {
			return e.keys.DeleteRevokedBefore(ctx, now.Add(-revokedKeyAge))
		}},
		{"audit_logs", func(ctx context.Context) (int64, error) {
			return e.audits.DeleteOlderThan(ctx, now.Add(-auditAge))
		}},
		{"webhook_deliveries", func(ctx context.Context) (int64, error) {
			return e.deliveries.DeleteOlderThan(ctx, now.Add(-deliveryAge))
		}},
		{"completed_jobs", e.purgeJobs},
		{"expired_sessions", func(ctx context.Context) (int64, error) {
			return e.accounts.DeleteExpiredSessions(ctx, now)
		}},
		{"anonymized_members", func(ctx context.Context) (int64, error) {
			return e.accounts.DeleteAnonymizedMembersBefore(ctx, now.Add(-memberAge))
		}},
	}

	failed := 0
	for _, step := range steps {
		removed, err := step.fn(ctx)
		if err != nil {
			failed++
			e.logger.Error("retention step failed", zap.String("step", step.name), zap.Error(err))
			continue
		}
		if removed > 0 {
			e.logger.Info("retention step done",
				zap.String("step", step.name), zap.Int64("removed", removed))
		}
	}

	e.logger.Info("retention pass finished",
		zap.Duration("took", time.Since(start)),
		zap.Int("steps_failed", failed),
	)
}

// purgeJobs removes long-terminal jobs whose files have also expired, deleting
// the object before the row. A failed object delete keeps the row so the next
// pass retries; an already-missing object is not an error.
func (e *Engine) purgeJobs(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	jobs, err := e.jobs.ListPurgeable(ctx, now.Add(-purgeableJobAge), now, purgeBatch)
	if err != nil {
		return 0, err
	}

	var purged int64
	for i := range jobs {
		job := &jobs[i]
		if job.ResultKey != "" {
			if err := e.store.Delete(ctx, job.ResultKey); err != nil {
				e.logger.Warn("failed to delete export object, keeping row",
					zap.String("job_id", job.ID.String()),
					zap.String("key", job.ResultKey),
					zap.Error(err),
				)
				continue
			}
		}
		if err := e.jobs.Delete(ctx, job.ID); err != nil {
			e.logger.Warn("failed to delete job row",
				zap.String("job_id", job.ID.String()), zap.Error(err))
			continue
		}
		purged++
	}
	return purged, nil
}

// sweepGhosts fails QUEUED rows whose enqueue never produced events. The
// grace period keeps the sweep far behind the worst honest retry schedule.
func (e *Engine) sweepGhosts() {
	ctx, cancel := context.WithTimeout(context.Background(), ghostTimeout)
	defer cancel()

	swept, err := e.jobs.SweepGhosts(ctx, time.Now().UTC().Add(-ghostGrace), "job was never picked up by a worker")
	if err != nil {
		e.logger.Error("ghost sweep failed", zap.Error(err))
		return
	}
	if swept > 0 {
		e.logger.Warn("ghost jobs failed", zap.Int64("count", swept))
	}
}
