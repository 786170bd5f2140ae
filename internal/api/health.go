package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/circuitbreaker"
)

// Check reports whether one dependency is usable.
type Check func(ctx context.Context) error

type healthResponse struct {
	Status   string                 `json:"status"`
	Checks   map[string]string      `json:"checks"`
	Breakers []circuitbreaker.Stats `json:"breakers,omitempty"`
}

// HealthHandler serves GET /health. Any failing check turns the response
// into a 503; open breakers are reported but do not fail it.
type HealthHandler struct {
	checks   map[string]Check
	breakers []*circuitbreaker.CircuitBreaker
	timeout  time.Duration
	logger   *zap.Logger
}

func NewHealthHandler(checks map[string]Check, breakers []*circuitbreaker.CircuitBreaker, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		checks:   checks,
		breakers: breakers,
		timeout:  2 * time.Second,
		logger:   logger,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	status := http.StatusOK

	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	for _, b := range h.breakers {
		resp.Breakers = append(resp.Breakers, b.Stats())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
