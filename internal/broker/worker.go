package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler processes one leased task. Returning an error triggers the pool's
// retry logic; returning nil completes the task.
type Handler func(ctx context.Context, task *Task) error

// ErrorHook is invoked after a failed attempt. willRetry reports whether the
// pool re-queued the task; when false the failure is final.
type ErrorHook func(ctx context.Context, task *Task, err error, willRetry bool)

// Pool leases tasks from one queue with fixed concurrency and drives retry
// with exponential backoff. Workers are plain goroutines sharing the broker's
// connection pool. Each dequeued task carries a TaskLease visibility timeout:
// a worker that crashes mid-handler neither acks nor re-queues, so the lease
// expires and the task is delivered again.
type Pool struct {
	broker      *Broker
	queue       string
	concurrency int
	handler     Handler
	onError     ErrorHook

	// backoffBase doubles per attempt: base, 2*base, 4*base, ...
	backoffBase time.Duration

	logger *zap.Logger
	wg     sync.WaitGroup
}

// PoolConfig configures a worker pool.
type PoolConfig struct {
	Queue       string
	Concurrency int
	Handler     Handler
	OnError     ErrorHook // optional
	BackoffBase time.Duration
	Logger      *zap.Logger
}

// NewPool creates an idle pool. Call Start to begin leasing.
func NewPool(b *Broker, cfg PoolConfig) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	return &Pool{
		broker:      b,
		queue:       cfg.Queue,
		concurrency: cfg.Concurrency,
		handler:     cfg.Handler,
		onError:     cfg.OnError,
		backoffBase: cfg.BackoffBase,
		logger:      cfg.Logger.Named("pool").With(zap.String("queue", cfg.Queue)),
	}
}

// Start launches the worker goroutines. They exit when ctx is cancelled;
// Wait blocks until all in-flight handlers have returned.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	p.logger.Info("worker pool started", zap.Int("concurrency", p.concurrency))
}

// Wait blocks until every worker goroutine has exited. Part of graceful
// shutdown: cancel the context passed to Start, then Wait.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, worker int) {
	defer p.wg.Done()

	log := p.logger.With(zap.Int("worker", worker))
	for {
		if ctx.Err() != nil {
			return
		}

		task, err := p.broker.Dequeue(ctx, p.queue, 2*time.Second)
		if err != nil {
			if errors.Is(err, ErrEmpty) || ctx.Err() != nil {
				continue
			}
			log.Error("dequeue failed", zap.Error(err))
			// Back off briefly so a broker outage does not spin the loop.
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		p.process(ctx, log, task)
	}
}

func (p *Pool) process(ctx context.Context, log *zap.Logger, task *Task) {
	err := p.handler(ctx, task)
	if err == nil {
		if rmErr := p.broker.Remove(ctx, p.queue, task.ID); rmErr != nil {
			log.Warn("failed to remove completed task body", zap.String("task_id", task.ID), zap.Error(rmErr))
		}
		return
	}

	task.Attempts++
	willRetry := task.Attempts < task.MaxAttempts && ctx.Err() == nil

	if willRetry {
		delay := p.backoffBase << (task.Attempts - 1)
		if reErr := p.broker.EnqueueIn(ctx, task, delay); reErr != nil {
			log.Error("failed to re-queue task, failure becomes final",
				zap.String("task_id", task.ID),
				zap.Error(reErr),
			)
			willRetry = false
		} else {
			log.Warn("task failed, re-queued",
				zap.String("task_id", task.ID),
				zap.Int("attempt", task.Attempts),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
		}
	}

	if !willRetry {
		log.Error("task failed permanently",
			zap.String("task_id", task.ID),
			zap.Int("attempts", task.Attempts),
			zap.Error(err),
		)
		if rmErr := p.broker.Remove(ctx, p.queue, task.ID); rmErr != nil {
			log.Warn("failed to remove failed task body", zap.String("task_id", task.ID), zap.Error(rmErr))
		}
	}

	if p.onError != nil {
		p.onError(ctx, task, err, willRetry)
	}
}
