// Package worker runs notification jobs pulled from the queue.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/processor"
	"github.com/lalithlochan/courier/internal/queue"
	"github.com/lalithlochan/courier/internal/redis"
)

type Repository interface {
	GetNotification(ctx context.Context, id int64) (*db.Notification, error)
}

type Processor interface {
	Process(ctx context.Context, notif *db.Notification) (processor.Result, error)
	Fail(ctx context.Context, id int64, cause error) error
}

// Runner turns one job into one Process call and decides what happens to
// the job afterwards: nothing, a delayed re-run, a backoff retry, or the
// forced failure once the job's own budget is spent.
type Runner struct {
	repo   Repository
	proc   Processor
	queue  queue.Queue
	logger *zap.Logger
}

func NewRunner(repo Repository, proc Processor, q queue.Queue, logger *zap.Logger) *Runner {
	return &Runner{
		repo:   repo,
		proc:   proc,
		queue:  q,
		logger: logger,
	}
}

// Handle runs job once. A returned error means the follow-up could not be
// scheduled and the message should not be acked.
func (r *Runner) Handle(ctx context.Context, job queue.Job) error {
	log := r.logger.With(zap.Int64("notification_id", job.NotificationID))

	notif, err := r.repo.GetNotification(ctx, job.NotificationID)
	if errors.Is(err, db.ErrNotFound) {
		log.Info("notification no longer exists, dropping job")
		return nil
	}
	if err != nil {
		return r.retry(ctx, job, err, log)
	}

	res, err := r.proc.Process(ctx, notif)
	if err != nil {
		return r.retry(ctx, job, err, log)
	}

	switch res.Outcome {
	case processor.OutcomeReleased:
		log.Debug("job released",
			zap.String("reason", res.Reason),
			zap.Duration("delay", res.Delay),
		)
		if err := r.queue.Enqueue(ctx, job, res.Delay); err != nil {
			return fmt.Errorf("re-enqueue released job: %w", err)
		}
	default:
		log.Debug("job finished",
			zap.String("outcome", res.Outcome.String()),
			zap.String("reason", res.Reason),
		)
	}
	return nil
}

func (r *Runner) retry(ctx context.Context, job queue.Job, cause error, log *zap.Logger) error {
	job.Failures++

	if !job.Exhausted() {
		delay := queue.Backoff(job.Failures)
		log.Info("job failed, retrying",
			zap.Int("failures", job.Failures),
			zap.Int("max_tries", job.Tries()),
			zap.Duration("backoff", delay),
			zap.Error(cause),
		)
		metrics.RecordJobRetry()
		if err := r.queue.Enqueue(ctx, job, delay); err != nil {
			return fmt.Errorf("re-enqueue failed job: %w", err)
		}
		return nil
	}

	log.Warn("job retries exhausted",
		zap.Int("failures", job.Failures),
		zap.Error(cause),
	)
	metrics.RecordJobExhausted()

	err := r.proc.Fail(ctx, job.NotificationID, cause)
	switch {
	case err == nil, errors.Is(err, db.ErrNotFound):
		return nil
	case errors.Is(err, redis.ErrLockBusy):
		// Someone is mid-delivery; check back once they are done.
		if err := r.queue.Enqueue(ctx, job, processor.LockContentionDelay); err != nil {
			return fmt.Errorf("re-enqueue exhausted job: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("fail exhausted notification: %w", err)
	}
}
