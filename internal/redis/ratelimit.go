package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const rateLimitPrefix = "ratelimit:"

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Limit  int           // Maximum requests allowed
	Window time.Duration // Time window for the limit
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// The window starts with the first hit: the counter is created with the
// window as its expiry and later hits only increment it, so the window
// never slides.
var hitScript = redis.NewScript(`
redis.call('SET', KEYS[1], 0, 'PX', ARGV[1], 'NX')
return redis.call('INCRBY', KEYS[1], ARGV[2])
`)

// allowScript consumes n only when the result stays within the limit.
// Returns {allowed, count, pttl}.
var allowScript = redis.NewScript(`
redis.call('SET', KEYS[1], 0, 'PX', ARGV[1], 'NX')
local n = tonumber(ARGV[2])
local count = redis.call('INCRBY', KEYS[1], n)
local allowed = 1
if count > tonumber(ARGV[3]) then
  count = redis.call('DECRBY', KEYS[1], n)
  allowed = 0
end
return {allowed, count, redis.call('PTTL', KEYS[1])}
`)

// RateLimiter implements fixed window rate limiting using Redis counters.
//
// It serves two callers: the creation flow uses Attempt with a per-call
// limit and window, and the HTTP middleware uses Allow with the configured
// defaults. TooManyAttempts and Hit are the non-atomic primitives behind
// both, kept for inspection and tests.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
	}
}

func (r *RateLimiter) buildKey(key string) string {
	return rateLimitPrefix + key
}

// Attempts returns the number of hits recorded in the current window.
func (r *RateLimiter) Attempts(ctx context.Context, key string) (int, error) {
	n, err := r.client.rdb.Get(ctx, r.buildKey(key)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get failed: %w", err)
	}
	return n, nil
}

// TooManyAttempts reports whether key has already used maxAttempts hits in
// its current window. An expired window counts as zero.
func (r *RateLimiter) TooManyAttempts(ctx context.Context, key string, maxAttempts int) (bool, error) {
	attempts, err := r.Attempts(ctx, key)
	if err != nil {
		return false, err
	}
	if attempts >= maxAttempts {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("attempts", attempts),
			zap.Int("limit", maxAttempts),
		)
		return true, nil
	}
	return false, nil
}

// Hit records one attempt, opening a window of length decay if none is
// active. Returns the attempt count after the hit.
func (r *RateLimiter) Hit(ctx context.Context, key string, decay time.Duration) (int, error) {
	n, err := hitScript.Run(ctx, r.client.rdb, []string{r.buildKey(key)}, decay.Milliseconds(), 1).Int()
	if err != nil {
		return 0, fmt.Errorf("redis hit failed: %w", err)
	}
	return n, nil
}

// AvailableIn returns how long until the current window for key expires.
func (r *RateLimiter) AvailableIn(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := r.client.rdb.PTTL(ctx, r.buildKey(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis pttl failed: %w", err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Clear drops the counter for key, starting a fresh window on the next hit.
func (r *RateLimiter) Clear(ctx context.Context, key string) error {
	if err := r.client.rdb.Del(ctx, r.buildKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// Allow checks if a request is allowed under the configured limit and
// consumes one slot if so.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN checks if n requests are allowed under the configured limit.
// Rejected requests do not consume the window.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	return r.allow(ctx, key, n, r.config.Limit, r.config.Window)
}

// Attempt atomically checks and consumes one hit against maxAttempts in a
// window of length decay. Concurrent callers can never push the window past
// maxAttempts.
func (r *RateLimiter) Attempt(ctx context.Context, key string, maxAttempts int, decay time.Duration) (*RateLimitResult, error) {
	return r.allow(ctx, key, 1, maxAttempts, decay)
}

func (r *RateLimiter) allow(ctx context.Context, key string, n, limit int, window time.Duration) (*RateLimitResult, error) {
	now := time.Now()

	vals, err := allowScript.Run(ctx, r.client.rdb,
		[]string{r.buildKey(key)},
		window.Milliseconds(), n, limit,
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("redis rate limit script failed: %w", err)
	}

	allowed, count, ttl := vals[0] == 1, int(vals[1]), time.Duration(vals[2])*time.Millisecond
	if ttl < 0 {
		ttl = window
	}

	result := &RateLimitResult{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: max(0, limit-count),
		ResetAt:   now.Add(ttl),
	}

	if !allowed {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("current", count),
			zap.Int("limit", limit),
		)
	}

	return result, nil
}
