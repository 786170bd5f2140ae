package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/queue"
)

type Handler interface {
	Handle(ctx context.Context, job queue.Job) error
}

type Config struct {
	Concurrency int

	// ErrorBackoff is the pause after a failed receive.
	ErrorBackoff time.Duration
}

// Pool feeds messages from a consumer to a fixed number of handlers.
type Pool struct {
	consumer queue.Consumer
	handler  Handler
	config   Config
	logger   *zap.Logger
}

func NewPool(consumer queue.Consumer, handler Handler, cfg Config, logger *zap.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}

	return &Pool{
		consumer: consumer,
		handler:  handler,
		config:   cfg,
		logger:   logger,
	}
}

// Run blocks until ctx is cancelled or the consumer is closed. Jobs already
// handed to a worker run to completion.
func (p *Pool) Run(ctx context.Context) error {
	msgs := make(chan queue.Message)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(msgs)
		return p.receive(gctx, msgs)
	})

	for i := 0; i < p.config.Concurrency; i++ {
		g.Go(func() error {
			for msg := range msgs {
				p.handle(context.WithoutCancel(gctx), msg)
			}
			return nil
		})
	}

	p.logger.Info("worker pool started", zap.Int("concurrency", p.config.Concurrency))
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) receive(ctx context.Context, out chan<- queue.Message) error {
	for {
		batch, err := p.consumer.Receive(ctx)
		if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
			return nil
		}
		if err != nil {
			p.logger.Error("failed to receive jobs", zap.Error(err))
			select {
			case <-time.After(p.config.ErrorBackoff):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		for _, msg := range batch {
			select {
			case out <- msg:
			case <-ctx.Done():
				// Unacked messages become visible again.
				return nil
			}
		}
	}
}

func (p *Pool) handle(ctx context.Context, msg queue.Message) {
	metrics.AddMessagesInFlight(1)
	defer metrics.AddMessagesInFlight(-1)

	if err := p.handler.Handle(ctx, msg.Job); err != nil {
		p.logger.Error("job handling failed, leaving message for redelivery",
			zap.String("message_id", msg.ID),
			zap.Int64("notification_id", msg.Job.NotificationID),
			zap.Error(err),
		)
		return
	}

	if err := p.consumer.Ack(ctx, msg); err != nil {
		p.logger.Warn("failed to ack job",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}
}
