package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/queue"
)

const maxFieldLength = 255

// CreateRequest is a validated-at-the-edge creation request. TenantID comes
// from the request context, never from the body.
type CreateRequest struct {
	TenantID    string
	UserID      string
	Channel     string
	Title       string
	Body        string
	Payload     json.RawMessage
	ScheduledAt *time.Time

	// MaxAttempts nil means db.DefaultMaxAttempts.
	MaxAttempts *int
}

// Create rate-limits, persists and enqueues a notification.
//
// Enqueue runs after the insert commits. If it fails the record stays
// pending and the error is returned; nothing processes it until it is
// enqueued again.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*db.Notification, error) {
	if req.TenantID == "" {
		return nil, ErrMissingTenant
	}
	if bytes.Equal(bytes.TrimSpace(req.Payload), []byte("null")) {
		req.Payload = nil
	}
	if err := s.validate(req); err != nil {
		return nil, err
	}
	if err := s.checkRateLimit(ctx, req.TenantID, req.UserID); err != nil {
		return nil, err
	}

	notif := &db.Notification{
		TenantID:    req.TenantID,
		UserID:      req.UserID,
		Channel:     req.Channel,
		Title:       req.Title,
		Body:        req.Body,
		Payload:     req.Payload,
		Status:      db.StatusPending,
		MaxAttempts: db.DefaultMaxAttempts,
		ScheduledAt: req.ScheduledAt,
	}
	if req.MaxAttempts != nil {
		notif.MaxAttempts = *req.MaxAttempts
	}

	if err := s.repo.CreateNotification(ctx, notif); err != nil {
		return nil, fmt.Errorf("persist notification: %w", err)
	}

	log := s.logger.With(
		zap.Int64("notification_id", notif.ID),
		zap.String("uuid", notif.ExternalRef.String()),
		zap.String("tenant_id", notif.TenantID),
		zap.String("channel", notif.Channel),
	)

	// No point waking a worker before the schedule; the processor still
	// checks it in case the queue clamps the delay.
	var delay time.Duration
	if notif.ScheduledAt != nil {
		delay = notif.ScheduledAt.Sub(s.config.Now())
	}

	job := queue.Job{NotificationID: notif.ID, MaxTries: notif.MaxAttempts}
	if err := s.queue.Enqueue(ctx, job, delay); err != nil {
		log.Error("notification persisted but not enqueued", zap.Error(err))
		return notif, fmt.Errorf("enqueue notification: %w", err)
	}

	log.Info("notification created", zap.Duration("delay", delay))
	metrics.RecordNotificationCreated(notif.Channel)
	s.invalidate(ctx, notif.TenantID)
	return notif, nil
}

// checkRateLimit consumes one creation from the user's window. The store
// failing is logged and the request is let through.
func (s *Service) checkRateLimit(ctx context.Context, tenantID, userID string) error {
	key := RateLimitKey(tenantID, userID)

	result, err := s.limiter.Attempt(ctx, key, s.config.RateLimitMaxAttempts, s.config.RateLimitDecay)
	if err != nil {
		s.logger.Warn("rate limit check failed, allowing request",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
		return nil
	}

	if !result.Allowed {
		s.logger.Info("notification rate limit exceeded",
			zap.String("tenant_id", tenantID),
			zap.String("user_id", userID),
		)
		metrics.RecordRateLimitRejection(metrics.ScopeNotification)
		return &RateLimitError{RetryAfter: max(0, time.Until(result.ResetAt))}
	}
	return nil
}

func (s *Service) validate(req CreateRequest) error {
	verr := &ValidationError{}

	if utf8.RuneCountInString(req.TenantID) > maxFieldLength {
		verr.add("tenant_id", "must be at most 255 characters")
	}

	switch {
	case req.UserID == "":
		verr.add("user_id", "is required")
	case utf8.RuneCountInString(req.UserID) > maxFieldLength:
		verr.add("user_id", "must be at most 255 characters")
	}

	switch {
	case req.Channel == "":
		verr.add("channel", "is required")
	case s.channels != nil && !s.channels.Has(req.Channel):
		verr.add("channel", fmt.Sprintf("%q is not a supported channel", req.Channel))
	}

	switch {
	case req.Title == "":
		verr.add("title", "is required")
	case utf8.RuneCountInString(req.Title) > maxFieldLength:
		verr.add("title", "must be at most 255 characters")
	}

	if req.Body == "" {
		verr.add("body", "is required")
	}

	if len(req.Payload) > 0 && !isJSONObject(req.Payload) {
		verr.add("payload", "must be a JSON object")
	}

	if req.ScheduledAt != nil && req.ScheduledAt.Before(s.config.Now()) {
		verr.add("scheduled_at", "must not be in the past")
	}

	if req.MaxAttempts != nil && (*req.MaxAttempts < db.MinMaxAttempts || *req.MaxAttempts > db.MaxMaxAttempts) {
		verr.add("max_attempts", fmt.Sprintf("must be between %d and %d", db.MinMaxAttempts, db.MaxMaxAttempts))
	}

	return verr.orNil()
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	return json.Valid(trimmed)
}
