// Package service is the entry point used by the API: it creates
// notifications and answers reads about them, scoped to one tenant.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/queue"
	"github.com/lalithlochan/courier/internal/redis"
)

type Repository interface {
	CreateNotification(ctx context.Context, notif *db.Notification) error
	GetNotificationByRef(ctx context.Context, tenantID string, ref uuid.UUID) (*db.Notification, error)
	CancelNotification(ctx context.Context, tenantID string, ref uuid.UUID) (*db.Notification, error)
	ListRecent(ctx context.Context, f db.RecentFilter, limit, offset int) ([]*db.Notification, int, error)
	Summarize(ctx context.Context, tenantID string, since *time.Time, byChannel bool) (*db.Summary, error)
}

// RateLimiter consumes one attempt of a fixed window atomically.
type RateLimiter interface {
	Attempt(ctx context.Context, key string, maxAttempts int, decay time.Duration) (*redis.RateLimitResult, error)
}

// ChannelSet reports which channel names can be delivered.
type ChannelSet interface {
	Has(name string) bool
}

type Config struct {
	RateLimitMaxAttempts int
	RateLimitDecay       time.Duration

	RecentCacheTTL  time.Duration
	SummaryCacheTTL time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

type Service struct {
	repo     Repository
	limiter  RateLimiter
	queue    queue.Queue
	channels ChannelSet
	cache    *redis.QueryCache
	config   Config
	logger   *zap.Logger
}

// New creates the service. cache may be nil to disable read caching.
func New(repo Repository, limiter RateLimiter, q queue.Queue, channels ChannelSet, cache *redis.QueryCache, cfg Config, logger *zap.Logger) *Service {
	if cfg.RateLimitMaxAttempts <= 0 {
		cfg.RateLimitMaxAttempts = 10
	}
	if cfg.RateLimitDecay <= 0 {
		cfg.RateLimitDecay = time.Hour
	}
	if cfg.RecentCacheTTL <= 0 {
		cfg.RecentCacheTTL = 2 * time.Minute
	}
	if cfg.SummaryCacheTTL <= 0 {
		cfg.SummaryCacheTTL = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Service{
		repo:     repo,
		limiter:  limiter,
		queue:    q,
		channels: channels,
		cache:    cache,
		config:   cfg,
		logger:   logger,
	}
}

// RateLimitKey is the creation limiter key for one user of a tenant.
func RateLimitKey(tenantID, userID string) string {
	return fmt.Sprintf("notifications:%s:%s", tenantID, userID)
}

// Get returns one notification of the tenant.
func (s *Service) Get(ctx context.Context, tenantID string, ref uuid.UUID) (*db.Notification, error) {
	if tenantID == "" {
		return nil, ErrMissingTenant
	}
	return s.repo.GetNotificationByRef(ctx, tenantID, ref)
}

// Cancel stops a notification that has not reached a terminal state. A
// terminal notification is returned with ErrNotCancellable.
func (s *Service) Cancel(ctx context.Context, tenantID string, ref uuid.UUID) (*db.Notification, error) {
	if tenantID == "" {
		return nil, ErrMissingTenant
	}

	notif, err := s.repo.CancelNotification(ctx, tenantID, ref)
	if errors.Is(err, db.ErrInvalidTransition) {
		return notif, fmt.Errorf("%w: status is %s", ErrNotCancellable, notif.Status)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("notification cancelled",
		zap.String("uuid", ref.String()),
		zap.String("tenant_id", tenantID),
	)
	s.invalidate(ctx, tenantID)
	return notif, nil
}

func (s *Service) invalidate(ctx context.Context, tenantID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, tenantID); err != nil {
		s.logger.Warn("failed to invalidate read cache",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
	}
}

func remember[T any](ctx context.Context, s *Service, tenantID, name string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	if s.cache == nil {
		return load(ctx)
	}
	return redis.Remember(ctx, s.cache, tenantID, name, ttl, load)
}
