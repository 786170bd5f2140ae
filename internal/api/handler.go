package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/redis"
	"github.com/lalithlochan/courier/internal/service"
)

// NotificationService is the part of service.Service the handlers use.
type NotificationService interface {
	Create(ctx context.Context, req service.CreateRequest) (*db.Notification, error)
	Get(ctx context.Context, tenantID string, ref uuid.UUID) (*db.Notification, error)
	Cancel(ctx context.Context, tenantID string, ref uuid.UUID) (*db.Notification, error)
	GetRecent(ctx context.Context, tenantID string, q service.RecentQuery) (*service.RecentPage, error)
	GetSummary(ctx context.Context, tenantID string, q service.SummaryQuery) (*db.Summary, error)
}

// Idempotency remembers Idempotency-Key results per tenant.
type Idempotency interface {
	CheckOrReserve(ctx context.Context, tenantID, key string) (*redis.IdempotencyResult, error)
	Store(ctx context.Context, tenantID, key string, result *redis.IdempotencyResult, ttl time.Duration) error
	Forget(ctx context.Context, tenantID, key string) error
}

// NotificationRequest represents the incoming request body. The tenant
// comes from the X-Tenant-ID header.
type NotificationRequest struct {
	UserID      string          `json:"user_id"`
	Channel     string          `json:"channel"`
	Title       string          `json:"title"`
	Body        string          `json:"body"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	MaxAttempts *int            `json:"max_attempts,omitempty"`
}

// NotificationResponse is returned after accepting a notification.
type NotificationResponse struct {
	UUID        string     `json:"uuid"`
	Status      string     `json:"status"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string            `json:"type"`
	Title  string            `json:"title"`
	Status int               `json:"status"`
	Detail string            `json:"detail,omitempty"`
	Errors map[string]string `json:"errors,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	svc         NotificationService
	idempotency Idempotency // nil disables Idempotency-Key support
}

// NewHandler creates a new API handler. idempotency may be nil.
func NewHandler(logger *zap.Logger, svc NotificationService, idempotency Idempotency) *Handler {
	return &Handler{
		logger:      logger,
		svc:         svc,
		idempotency: idempotency,
	}
}

// CreateNotification handles POST /v1/notifications
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := TenantFromContext(ctx)
	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	reserved := false
	if idempotencyKey != "" && h.idempotency != nil && tenantID != "" {
		cached, err := h.idempotency.CheckOrReserve(ctx, tenantID, idempotencyKey)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		case cached != nil:
			metrics.RecordIdempotencyHit()
			w.Header().Set("X-Idempotency-Replayed", "true")
			h.writeJSON(w, cached.StatusCode, NotificationResponse{
				UUID:        cached.NotificationRef,
				Status:      cached.Status,
				ScheduledAt: cached.ScheduledAt,
				CreatedAt:   cached.CreatedAt,
			})
			return
		default:
			reserved = true
		}
	}

	notif, err := h.svc.Create(ctx, service.CreateRequest{
		TenantID:    tenantID,
		UserID:      req.UserID,
		Channel:     req.Channel,
		Title:       req.Title,
		Body:        req.Body,
		Payload:     req.Payload,
		ScheduledAt: req.ScheduledAt,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		if reserved {
			if ferr := h.idempotency.Forget(ctx, tenantID, idempotencyKey); ferr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(ferr))
			}
		}
		h.writeServiceError(w, err)
		return
	}

	if reserved {
		result := &redis.IdempotencyResult{
			NotificationRef: notif.ExternalRef.String(),
			Status:          notif.Status.String(),
			StatusCode:      http.StatusAccepted,
			ScheduledAt:     notif.ScheduledAt,
			CreatedAt:       notif.CreatedAt,
		}
		if err := h.idempotency.Store(ctx, tenantID, idempotencyKey, result, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	h.writeJSON(w, http.StatusAccepted, NotificationResponse{
		UUID:        notif.ExternalRef.String(),
		Status:      notif.Status.String(),
		ScheduledAt: notif.ScheduledAt,
		CreatedAt:   notif.CreatedAt,
	})
}

// GetNotification handles GET /v1/notifications/{uuid}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.parseRef(w, r)
	if !ok {
		return
	}

	notif, err := h.svc.Get(r.Context(), TenantFromContext(r.Context()), ref)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, notif)
}

// CancelNotification handles POST /v1/notifications/{uuid}/cancel
func (h *Handler) CancelNotification(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.parseRef(w, r)
	if !ok {
		return
	}

	notif, err := h.svc.Cancel(r.Context(), TenantFromContext(r.Context()), ref)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, notif)
}

// GetRecent handles GET /v1/notifications/recent?user_id=&channel=&status=&limit=20&page=1
func (h *Handler) GetRecent(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	q := service.RecentQuery{
		UserID:  query.Get("user_id"),
		Channel: query.Get("channel"),
		Status:  query.Get("status"),
	}
	// Unparseable paging falls back to the defaults.
	if l, err := strconv.Atoi(query.Get("limit")); err == nil {
		q.Limit = l
	}
	if p, err := strconv.Atoi(query.Get("page")); err == nil {
		q.Page = p
	}

	page, err := h.svc.GetRecent(r.Context(), TenantFromContext(r.Context()), q)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, page)
}

// GetSummary handles GET /v1/notifications/summary?since=RFC3339&by_channel=true
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var q service.SummaryQuery

	if raw := query.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid since", "since must be an RFC 3339 timestamp")
			return
		}
		q.Since = &since
	}
	if raw := query.Get("by_channel"); raw != "" {
		byChannel, err := strconv.ParseBool(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid by_channel", "by_channel must be a boolean")
			return
		}
		q.ByChannel = byChannel
	}

	summary, err := h.svc.GetSummary(r.Context(), TenantFromContext(r.Context()), q)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) parseRef(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	ref, err := uuid.Parse(chi.URLParam(r, "uuid"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return ref, true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	var (
		verr  *service.ValidationError
		rlErr *service.RateLimitError
	)

	switch {
	case errors.As(err, &verr):
		writeProblem(w, ErrorResponse{
			Type:   "validation_error",
			Title:  "The given data was invalid",
			Status: http.StatusUnprocessableEntity,
			Detail: err.Error(),
			Errors: verr.Fields,
		})
	case errors.As(err, &rlErr):
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rlErr.RetryAfter.Seconds()))))
		h.writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too Many Requests", err.Error())
	case errors.Is(err, service.ErrMissingTenant):
		h.writeError(w, http.StatusBadRequest, "missing_tenant", "Missing tenant", "X-Tenant-ID header is required")
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
	case errors.Is(err, service.ErrNotCancellable):
		h.writeError(w, http.StatusConflict, "not_cancellable", "Notification cannot be cancelled", err.Error())
	default:
		h.logger.Error("request failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", "")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func writeProblem(w http.ResponseWriter, problem ErrorResponse) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}
