package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/redis"
)

// RouterConfig holds what NewRouter wires together.
type RouterConfig struct {
	Handler *Handler
	Health  http.Handler

	// Limiter throttles /v1 per client IP. Nil disables it.
	Limiter *redis.RateLimiter

	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// NewRouter builds the HTTP routes.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	logger := cfg.Logger

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	h := cfg.Handler
	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimitMiddleware(cfg.Limiter, logger, IPKeyFunc))
		r.Use(TenantMiddleware)

		r.Post("/notifications", h.CreateNotification)
		r.Get("/notifications/recent", h.GetRecent)
		r.Get("/notifications/summary", h.GetSummary)
		r.Get("/notifications/{uuid}", h.GetNotification)
		r.Post("/notifications/{uuid}/cancel", h.CancelNotification)
	})

	if cfg.Health != nil {
		r.Method(http.MethodGet, "/health", cfg.Health)
	}
	r.Handle("/metrics", metrics.Handler())

	return r
}
