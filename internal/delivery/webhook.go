package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

// WebhookPayload is the channel specific part of a webhook notification.
type WebhookPayload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`  // POST, PUT or PATCH. Defaults to POST
	Headers map[string]string `json:"headers"` // Custom headers
}

// webhookEnvelope is the JSON body posted to the target.
type webhookEnvelope struct {
	UUID     string          `json:"uuid"`
	TenantID string          `json:"tenant_id"`
	UserID   string          `json:"user_id"`
	Title    string          `json:"title"`
	Body     string          `json:"body"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	SentAt   time.Time       `json:"sent_at"`
}

// WebhookChannel posts notifications to a URL carried in the payload.
type WebhookChannel struct {
	client *http.Client
	logger *zap.Logger
}

// NewWebhookChannel creates a webhook channel with the given request timeout.
func NewWebhookChannel(timeout time.Duration, logger *zap.Logger) *WebhookChannel {
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &WebhookChannel{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Deliver(ctx context.Context, notif *db.Notification) error {
	var payload WebhookPayload
	if err := decodePayload(notif, &payload); err != nil {
		return err
	}

	target, err := url.Parse(payload.URL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return Permanentf("webhook payload needs an absolute http(s) url, got %q", payload.URL)
	}

	method := payload.Method
	if method == "" {
		method = http.MethodPost
	}
	if method != http.MethodPost && method != http.MethodPut && method != http.MethodPatch {
		return Permanentf("webhook method not supported: %s (only POST, PUT, PATCH)", method)
	}

	body, err := json.Marshal(webhookEnvelope{
		UUID:     notif.ExternalRef.String(),
		TenantID: notif.TenantID,
		UserID:   notif.UserID,
		Title:    notif.Title,
		Body:     notif.Body,
		Payload:  notif.Payload,
		SentAt:   time.Now().UTC(),
	})
	if err != nil {
		return Permanentf("encode webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(body))
	if err != nil {
		return Permanentf("create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Courier/1.0")
	req.Header.Set("X-Courier-Notification-ID", notif.ExternalRef.String())
	req.Header.Set("X-Courier-Tenant-ID", notif.TenantID)
	for key, value := range payload.Headers {
		req.Header.Set(key, value)
	}

	return c.do(req, notif, "webhook")
}

// do sends req and classifies the response: 2xx succeeds, 408/429/5xx are
// transient, any other status is permanent.
func (c *WebhookChannel) do(req *http.Request, notif *db.Notification, kind string) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", kind, err)
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("%s returned status %d: %s", kind, resp.StatusCode, string(preview))
		if resp.StatusCode == http.StatusRequestTimeout ||
			resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode >= 500 {
			return err
		}
		return Permanent(err)
	}

	c.logger.Info(kind+" delivered",
		zap.Int64("notification_id", notif.ID),
		zap.String("host", req.URL.Host),
		zap.Int("status_code", resp.StatusCode),
	)
	return nil
}
