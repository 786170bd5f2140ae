// Package processor drives a single notification through one delivery
// attempt: terminal check, schedule check, lock, attempt, outcome.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/delivery"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/redis"
)

// Release reasons and the fixed delay used when the lock is busy.
const (
	ReasonScheduled      = "scheduled"
	ReasonLockContention = "lock contention"

	ReasonSent      = "sent"
	ReasonExhausted = "exhausted"
	ReasonPermanent = "permanent failure"

	LockContentionDelay = 10 * time.Second
	DefaultLockTTL      = 60 * time.Second
)

type Repository interface {
	GetNotification(ctx context.Context, id int64) (*db.Notification, error)
	UpdateNotification(ctx context.Context, id int64, u db.Update) error
}

type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)
	Release(ctx context.Context, key, token string) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, notif *db.Notification) error
}

// Invalidator drops cached reads for a tenant after its data changes.
type Invalidator interface {
	Invalidate(ctx context.Context, tenantID string) error
}

type Config struct {
	LockTTL time.Duration

	// Invalidator is optional.
	Invalidator Invalidator

	// Now defaults to time.Now.
	Now func() time.Time
}

type Processor struct {
	repo       Repository
	locker     Locker
	dispatcher Dispatcher
	config     Config
	logger     *zap.Logger
}

func New(repo Repository, locker Locker, dispatcher Dispatcher, cfg Config, logger *zap.Logger) *Processor {
	if cfg.LockTTL == 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Processor{
		repo:       repo,
		locker:     locker,
		dispatcher: dispatcher,
		config:     cfg,
		logger:     logger,
	}
}

// Process makes at most one delivery attempt for notif. A returned error
// means the attempt failed transiently with budget left, or the attempt
// could not be recorded; the caller retries after a backoff.
func (p *Processor) Process(ctx context.Context, notif *db.Notification) (Result, error) {
	log := p.logger.With(
		zap.Int64("notification_id", notif.ID),
		zap.String("tenant_id", notif.TenantID),
		zap.String("channel", notif.Channel),
	)

	if notif.Status.IsTerminal() {
		return Skipped("already " + notif.Status.String()), nil
	}

	if delay := p.untilScheduled(notif); delay > 0 {
		log.Debug("notification scheduled in the future", zap.Duration("delay", delay))
		metrics.RecordRelease(ReasonScheduled)
		return Release(delay, ReasonScheduled), nil
	}

	key := notif.LockKey()
	token, err := p.locker.Acquire(ctx, key, p.config.LockTTL)
	if errors.Is(err, redis.ErrLockBusy) {
		log.Debug("notification locked by another worker")
		metrics.RecordRelease(ReasonLockContention)
		return Release(LockContentionDelay, ReasonLockContention), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("acquire lock: %w", err)
	}
	defer func() {
		// The job may be cancelled by now; the lock must still go.
		if err := p.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			log.Warn("failed to release lock", zap.Error(err))
		}
	}()

	// The caller's copy may be stale; another worker could have finished
	// between our checks and the lock.
	current, err := p.repo.GetNotification(ctx, notif.ID)
	if err != nil {
		return Result{}, fmt.Errorf("reload notification: %w", err)
	}
	if current.Status.IsTerminal() {
		return Skipped("already " + current.Status.String()), nil
	}

	return p.attempt(ctx, current, log)
}

func (p *Processor) attempt(ctx context.Context, notif *db.Notification, log *zap.Logger) (Result, error) {
	attempts := notif.Attempts + 1
	processing := db.StatusProcessing
	if err := p.update(ctx, notif, db.Update{Status: &processing, Attempts: &attempts}); err != nil {
		if errors.Is(err, db.ErrInvalidTransition) {
			return p.superseded(ctx, notif, log), nil
		}
		return Result{}, fmt.Errorf("mark processing: %w", err)
	}
	log = log.With(zap.Int("attempt", attempts), zap.Int("max_attempts", notif.MaxAttempts))

	deliverErr := p.dispatcher.Dispatch(ctx, notif)
	now := p.config.Now()

	if deliverErr == nil {
		sent := db.StatusSent
		if err := p.update(ctx, notif, db.Update{Status: &sent, ProcessedAt: &now}); err != nil {
			if errors.Is(err, db.ErrInvalidTransition) {
				log.Warn("notification delivered after it left processing")
				return p.superseded(ctx, notif, log), nil
			}
			// Delivered but not recorded; a retry may send again.
			return Result{}, fmt.Errorf("mark sent: %w", err)
		}
		log.Info("notification sent")
		metrics.RecordNotificationProcessed(sent.String(), notif.Channel)
		return Completed(ReasonSent), nil
	}

	msg := deliverErr.Error()
	permanent := delivery.IsPermanent(deliverErr)

	if permanent || notif.Exhausted() {
		reason := ReasonExhausted
		if permanent {
			reason = ReasonPermanent
		}

		failed := db.StatusFailed
		if err := p.update(ctx, notif, db.Update{Status: &failed, FailedAt: &now, LastError: &msg}); err != nil {
			if errors.Is(err, db.ErrInvalidTransition) {
				return p.superseded(ctx, notif, log), nil
			}
			return Result{}, errors.Join(deliverErr, fmt.Errorf("mark failed: %w", err))
		}
		log.Warn("notification failed",
			zap.String("reason", reason),
			zap.Error(deliverErr),
		)
		metrics.RecordNotificationProcessed(failed.String(), notif.Channel)
		return Completed(reason), nil
	}

	if err := p.update(ctx, notif, db.Update{LastError: &msg}); err != nil {
		if errors.Is(err, db.ErrInvalidTransition) {
			return p.superseded(ctx, notif, log), nil
		}
		log.Error("failed to record delivery error", zap.Error(err))
		return Result{}, errors.Join(deliverErr, err)
	}
	log.Info("delivery failed, will retry", zap.Error(deliverErr))
	return Result{}, deliverErr
}

// Fail forces a non-terminal notification to failed with cause as its last
// error. It is the safety net for jobs the queue gives up on. It returns an
// error wrapping redis.ErrLockBusy when another worker holds the lock.
func (p *Processor) Fail(ctx context.Context, id int64, cause error) error {
	key := db.LockKey(id)
	token, err := p.locker.Acquire(ctx, key, p.config.LockTTL)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() {
		if err := p.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			p.logger.Warn("failed to release lock", zap.Int64("notification_id", id), zap.Error(err))
		}
	}()

	notif, err := p.repo.GetNotification(ctx, id)
	if err != nil {
		return fmt.Errorf("reload notification: %w", err)
	}
	if notif.Status.IsTerminal() {
		return nil
	}

	now := p.config.Now()
	failed := db.StatusFailed
	msg := "job retries exhausted"
	if cause != nil {
		msg = cause.Error()
	}

	if err := p.update(ctx, notif, db.Update{Status: &failed, FailedAt: &now, LastError: &msg}); err != nil {
		if errors.Is(err, db.ErrInvalidTransition) {
			// Reached a terminal state on its own, e.g. cancelled.
			return nil
		}
		return fmt.Errorf("mark failed: %w", err)
	}

	p.logger.Warn("notification failed after job retries were exhausted",
		zap.Int64("notification_id", id),
		zap.String("tenant_id", notif.TenantID),
		zap.Int("attempts", notif.Attempts),
		zap.String("error", msg),
	)
	metrics.RecordNotificationProcessed(failed.String(), notif.Channel)
	return nil
}

// superseded reports a notification whose status was changed by someone
// else, typically a cancel, after it was loaded under the lock.
func (p *Processor) superseded(ctx context.Context, notif *db.Notification, log *zap.Logger) Result {
	current, err := p.repo.GetNotification(ctx, notif.ID)
	if err != nil {
		log.Warn("failed to reload superseded notification", zap.Error(err))
		return Skipped("status changed")
	}
	log.Info("notification status changed during processing, leaving it",
		zap.String("status", current.Status.String()),
	)
	return Skipped("already " + current.Status.String())
}

func (p *Processor) untilScheduled(notif *db.Notification) time.Duration {
	if notif.ScheduledAt == nil {
		return 0
	}
	return notif.ScheduledAt.Sub(p.config.Now())
}

// update persists u, mirrors it onto notif and drops the tenant's cached
// reads when the status moved.
func (p *Processor) update(ctx context.Context, notif *db.Notification, u db.Update) error {
	if err := p.repo.UpdateNotification(ctx, notif.ID, u); err != nil {
		return err
	}
	u.Apply(notif)

	if u.Status != nil && p.config.Invalidator != nil {
		if err := p.config.Invalidator.Invalidate(ctx, notif.TenantID); err != nil {
			p.logger.Warn("failed to invalidate read cache",
				zap.String("tenant_id", notif.TenantID),
				zap.Error(err),
			)
		}
	}
	return nil
}
