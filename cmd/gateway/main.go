package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/courier/internal/api"
	"github.com/lalithlochan/courier/internal/config"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/delivery"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/observ"
	"github.com/lalithlochan/courier/internal/processor"
	"github.com/lalithlochan/courier/internal/queue"
	"github.com/lalithlochan/courier/internal/redis"
	"github.com/lalithlochan/courier/internal/service"
	"github.com/lalithlochan/courier/internal/sqs"
	"github.com/lalithlochan/courier/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting courier gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.Strings("channels", cfg.Channels),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database connection
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Redis backs the rate limits, delivery locks, idempotency and read cache.
	// Locks make it mandatory.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	apiLimiter := redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
		Limit:  cfg.APIRateLimit,
		Window: cfg.APIRateWindow,
	})
	notificationLimiter := redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
		Limit:  cfg.NotificationRateLimitMaxAttempts,
		Window: cfg.NotificationRateLimitDecay(),
	})
	locker := redis.NewLocker(redisClient, logger)
	idempotency := redis.NewIdempotencyService(redisClient, logger)
	cache := redis.NewQueryCache(redisClient, logger)

	// Job queue: SQS when configured, otherwise in-process.
	var (
		jobs     queue.Queue
		consumer queue.Consumer
	)
	if cfg.SQSQueueURL != "" {
		q, err := sqs.New(ctx, sqs.Config{
			Region:            cfg.SQSRegion,
			QueueURL:          cfg.SQSQueueURL,
			VisibilityTimeout: cfg.QueueVisibilityTimeout,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create sqs queue: %w", err)
		}
		jobs, consumer = q, q
	} else {
		logger.Warn("SQS_QUEUE_URL not set, using in-process queue; pending jobs are lost on restart")
		q := queue.NewMemoryQueue(1024, cfg.QueueVisibilityTimeout)
		defer q.Close()
		jobs, consumer = q, q
	}

	// Delivery channels
	channels, err := buildChannels(ctx, cfg, logger)
	if err != nil {
		return err
	}
	registry := delivery.NewRegistry()
	for _, ch := range channels.all {
		if err := registry.Register(ch); err != nil {
			return fmt.Errorf("register channel: %w", err)
		}
	}
	logger.Info("delivery channels registered", zap.Strings("channels", registry.Names()))

	dispatcher := delivery.NewDispatcher(registry, cfg.DeliveryTimeout, logger)
	proc := processor.New(repo, locker, dispatcher, processor.Config{
		LockTTL:     cfg.LockTTL,
		Invalidator: cache,
	}, logger)
	runner := worker.NewRunner(repo, proc, jobs, logger)
	pool := worker.NewPool(consumer, runner, worker.Config{
		Concurrency: cfg.WorkerConcurrency,
	}, logger)

	svc := service.New(repo, notificationLimiter, jobs, registry, cache, service.Config{
		RateLimitMaxAttempts: cfg.NotificationRateLimitMaxAttempts,
		RateLimitDecay:       cfg.NotificationRateLimitDecay(),
		RecentCacheTTL:       cfg.RecentCacheTTL,
		SummaryCacheTTL:      cfg.SummaryCacheTTL,
	}, logger)

	health := api.NewHealthHandler(map[string]api.Check{
		"postgres": database.Health,
		"redis":    redisClient.Ping,
	}, channels.breakers, logger)

	router := api.NewRouter(api.RouterConfig{
		Handler: api.NewHandler(logger, svc, idempotency),
		Health:  health,
		Limiter: apiLimiter,
		Logger:  logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Give outstanding requests 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logger.Info("server stopped gracefully")
		return nil
	})

	g.Go(func() error {
		logger.Info("worker pool started", zap.Int("concurrency", cfg.WorkerConcurrency))
		return pool.Run(gctx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				metrics.SetDBConnections(database.AcquiredConns())
			}
		}
	})

	return g.Wait()
}
