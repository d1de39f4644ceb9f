// Package queue is the in-process work queue feeding the executor pool.
// Durability lives in the store, not here: the queued status row is the
// ticket, and a restart re-enqueues every queued job it finds, so a lost
// channel entry only delays execution.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentforge-io/agentforge/internal/db"
	"github.com/agentforge-io/agentforge/internal/executor"
	"github.com/agentforge-io/agentforge/internal/repositories"
)

// ErrQueueFull is returned when the buffer cannot take another ticket. The
// job stays queued in the store and is picked up by the next requeue scan.
var ErrQueueFull = errors.New("queue: buffer full")

const defaultCapacity = 1024

// Queue fans queued jobs out to a fixed pool of workers, each running one
// job at a time under the hard execution limit.
type Queue struct {
	store    repositories.JobStore
	executor *executor.Executor
	logger   *zap.Logger

	hardLimit time.Duration
	tickets   chan uuid.UUID
	wg        sync.WaitGroup
}

// New builds a Queue. hardLimit bounds one job's total execution time; on
// expiry the worker context is killed and the job lands as failed.
func New(store repositories.JobStore, exec *executor.Executor, hardLimit time.Duration, logger *zap.Logger) *Queue {
	return &Queue{
		store:     store,
		executor:  exec,
		logger:    logger.Named("queue"),
		hardLimit: hardLimit,
		tickets:   make(chan uuid.UUID, defaultCapacity),
	}
}

// Enqueue hands a job to the pool without blocking.
func (q *Queue) Enqueue(jobID uuid.UUID) error {
	select {
	case q.tickets <- jobID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start launches workers goroutines consuming tickets until ctx is
// cancelled.
func (q *Queue) Start(ctx context.Context, workers int) {
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

// Wait blocks until every worker has drained.
func (q *Queue) Wait() {
	q.wg.Wait()
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	logger := q.logger.With(zap.Int("worker", id))
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-q.tickets:
			q.runOne(ctx, jobID, logger)
		}
	}
}

func (q *Queue) runOne(ctx context.Context, jobID uuid.UUID, logger *zap.Logger) {
	jobCtx, cancel := context.WithTimeout(ctx, q.hardLimit)
	defer cancel()
	if err := q.executor.Run(jobCtx, jobID); err != nil {
		logger.Error("job execution errored",
			zap.String("job_id", jobID.String()),
			zap.Error(err),
		)
	}
}

// RequeueStartup re-enqueues every job left in queued by a previous
// process. Called once before the workers start taking new tickets.
func (q *Queue) RequeueStartup(ctx context.Context) error {
	jobs, err := q.store.ListJobsByStatus(ctx, db.StatusQueued)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if err := q.Enqueue(job.ID); err != nil {
			q.logger.Warn("startup requeue deferred",
				zap.String("job_id", job.ID.String()),
				zap.Error(err),
			)
			continue
		}
		q.logger.Info("requeued pending job", zap.String("job_id", job.ID.String()))
	}
	return nil
}
