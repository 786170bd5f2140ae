package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/delivery"
)

// ProtectedChannel wraps a delivery channel with a CircuitBreaker.
// Permanent errors (bad payload, 4xx from a target) do not count against
// the dependency; only transient failures move the breaker.
type ProtectedChannel struct {
	channel delivery.Channel
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// Protect wraps channel with a breaker named after it.
func Protect(channel delivery.Channel, cfg Config, logger *zap.Logger) *ProtectedChannel {
	if cfg.Name == "" {
		cfg.Name = channel.Name()
	}
	return &ProtectedChannel{
		channel: channel,
		breaker: New(cfg, logger),
		logger:  logger,
	}
}

func (p *ProtectedChannel) Name() string {
	return p.channel.Name()
}

// Deliver fails fast with ErrCircuitOpen while the circuit is open.
func (p *ProtectedChannel) Deliver(ctx context.Context, notif *db.Notification) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected delivery",
			zap.String("breaker", p.breaker.Name()),
			zap.Int64("notification_id", notif.ID),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s unavailable", ErrCircuitOpen, p.breaker.Name())
	}

	err := p.channel.Deliver(ctx, notif)
	switch {
	case err == nil:
		p.breaker.RecordSuccess()
	case delivery.IsPermanent(err):
		p.breaker.RecordNeutral()
	default:
		p.breaker.RecordFailure()
	}
	return err
}

// Breaker returns the underlying circuit breaker for monitoring.
func (p *ProtectedChannel) Breaker() *CircuitBreaker {
	return p.breaker
}
