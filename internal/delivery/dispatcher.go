package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
)

// ErrDeliveryTimeout is returned when a channel does not finish within the
// dispatcher's deadline. It is transient.
var ErrDeliveryTimeout = errors.New("delivery timed out")

// Dispatcher resolves a notification's channel and delivers through it
// under a hard deadline. The deadline must stay below the delivery lock TTL
// so a slow channel can never outlive the lock that guards it.
type Dispatcher struct {
	registry *Registry
	timeout  time.Duration
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher. A zero timeout disables the deadline.
func NewDispatcher(registry *Registry, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		timeout:  timeout,
		logger:   logger,
	}
}

// Dispatch delivers notif through its channel.
func (d *Dispatcher) Dispatch(ctx context.Context, notif *db.Notification) error {
	ch, err := d.registry.Resolve(notif.Channel)
	if err != nil {
		return err
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()

	// Channels that ignore ctx would otherwise hold the worker past the deadline.
	done := make(chan error, 1)
	go func() {
		done <- ch.Deliver(ctx, notif)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", ErrDeliveryTimeout, d.timeout)
		} else {
			err = ctx.Err()
		}
	}

	elapsed := time.Since(start)
	metrics.RecordDelivery(ch.Name(), deliveryOutcome(err), elapsed)

	if err != nil {
		d.logger.Warn("delivery failed",
			zap.Int64("notification_id", notif.ID),
			zap.String("channel", ch.Name()),
			zap.Bool("permanent", IsPermanent(err)),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return fmt.Errorf("deliver via %s: %w", ch.Name(), err)
	}

	d.logger.Debug("delivery succeeded",
		zap.Int64("notification_id", notif.ID),
		zap.String("channel", ch.Name()),
		zap.Duration("elapsed", elapsed),
	)
	return nil
}

func deliveryOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case IsPermanent(err):
		return "permanent_error"
	case errors.Is(err, ErrDeliveryTimeout):
		return "timeout"
	default:
		return "error"
	}
}
