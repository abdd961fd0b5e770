package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/exportd-io/exportd/internal/broker"
	"github.com/exportd-io/exportd/internal/db"
	"github.com/exportd-io/exportd/internal/repositories"
	"github.com/exportd-io/exportd/internal/worker"
)

// tickInterval is how often due schedules are materialized. next_run_at is
// stored per schedule, so a missed tick delays a firing by at most one
// interval rather than dropping it.
const tickInterval = time.Minute

// Materializer turns due schedules into queued export jobs. It wraps gocron
// with a single singleton-mode job: if one sweep is still running when the
// next tick fires, the new execution is skipped rather than overlapped.
type Materializer struct {
	cron      gocron.Scheduler
	schedules repositories.ScheduleRepository
	jobs      repositories.JobRepository
	tenants   repositories.TenantRepository
	broker    *broker.Broker
	logger    *zap.Logger
}

// NewMaterializer creates a Materializer. Call Start to begin processing.
func NewMaterializer(
	schedules repositories.ScheduleRepository,
	jobs repositories.JobRepository,
	tenants repositories.TenantRepository,
	b *broker.Broker,
	logger *zap.Logger,
) (*Materializer, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("schedule: create scheduler: %w", err)
	}
	return &Materializer{
		cron:      s,
		schedules: schedules,
		jobs:      jobs,
		tenants:   tenants,
		broker:    b,
		logger:    logger.Named("schedule"),
	}, nil
}

// Start registers the sweep and starts the underlying scheduler.
func (m *Materializer) Start() error {
	_, err := m.cron.NewJob(
		gocron.DurationJob(tickInterval),
		gocron.NewTask(m.sweep),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule: register sweep: %w", err)
	}
	m.cron.Start()
	m.logger.Info("schedule materializer started", zap.Duration("interval", tickInterval))
	return nil
}

// Stop shuts down the underlying scheduler, waiting for a running sweep.
func (m *Materializer) Stop() error {
	if err := m.cron.Shutdown(); err != nil {
		return fmt.Errorf("schedule: shutdown: %w", err)
	}
	m.logger.Info("schedule materializer stopped")
	return nil
}

// sweep materializes every due schedule. Per-schedule failures are logged and
// skipped so one broken schedule cannot starve the rest; the failed schedule's
// next_run_at is left untouched and the next sweep retries it.
func (m *Materializer) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now().UTC()
	due, err := m.schedules.ListDue(ctx, now)
	if err != nil {
		m.logger.Error("failed to list due schedules", zap.Error(err))
		return
	}

	for i := range due {
		if err := m.materialize(ctx, &due[i], now); err != nil {
			m.logger.Error("failed to materialize schedule",
				zap.String("schedule_id", due[i].ID.String()),
				zap.String("schedule_name", due[i].Name),
				zap.Error(err),
			)
		}
	}
}

// materialize creates one job from the schedule's template, enqueues it with
// the tenant's plan priority, and advances the schedule's run stamps.
func (m *Materializer) materialize(ctx context.Context, sched *db.Schedule, now time.Time) error {
	tenant, err := m.tenants.GetByID(ctx, sched.TenantID)
	if err != nil {
		return fmt.Errorf("load tenant: %w", err)
	}

	job := &db.Job{
		TenantID: sched.TenantID,
		Type:     sched.Type,
		Payload:  sched.Payload,
		Status:   db.JobStatusQueued,
	}
	if err := m.jobs.Create(ctx, job); err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	brokerID, err := worker.EnqueueExport(ctx, m.broker, job.ID, worker.PriorityForPlan(tenant.Plan))
	if err != nil {
		// The QUEUED row stays behind for the ghost sweep; the schedule's
		// next_run_at is not advanced, so the next tick retries.
		return fmt.Errorf("enqueue job: %w", err)
	}
	if err := m.jobs.SetBrokerID(ctx, job.ID, brokerID); err != nil {
		m.logger.Warn("failed to record broker id",
			zap.String("job_id", job.ID.String()), zap.Error(err))
	}

	next, err := NextRun(sched.Cron, now)
	if err != nil {
		return fmt.Errorf("compute next run: %w", err)
	}
	if err := m.schedules.UpdateRun(ctx, sched.ID, now, next); err != nil {
		return fmt.Errorf("update run stamps: %w", err)
	}

	m.logger.Info("schedule materialized",
		zap.String("schedule_id", sched.ID.String()),
		zap.String("job_id", job.ID.String()),
		zap.Time("next_run", next),
	)
	return nil
}
