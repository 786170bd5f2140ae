package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

// SlackChannel posts notifications to a Slack incoming webhook. The webhook
// URL is deployment configuration, not part of the notification.
type SlackChannel struct {
	webhookURL string
	http       *WebhookChannel
}

func NewSlackChannel(webhookURL string, timeout time.Duration, logger *zap.Logger) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		http:       NewWebhookChannel(timeout, logger),
	}
}

func (c *SlackChannel) Name() string { return "slack" }

func (c *SlackChannel) Deliver(ctx context.Context, notif *db.Notification) error {
	text := notif.Body
	if notif.Title != "" {
		text = fmt.Sprintf("*%s*\n%s", notif.Title, notif.Body)
	}

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return Permanentf("encode slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return Permanentf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.http.do(req, notif, "slack")
}
