package delivery

import (
	"context"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

// LogChannel writes notifications to the logger instead of delivering them.
// Used in development and as the default channel.
type LogChannel struct {
	logger *zap.Logger
}

func NewLogChannel(logger *zap.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Deliver(ctx context.Context, notif *db.Notification) error {
	c.logger.Info("notification delivered to log",
		zap.Int64("notification_id", notif.ID),
		zap.String("uuid", notif.ExternalRef.String()),
		zap.String("tenant_id", notif.TenantID),
		zap.String("user_id", notif.UserID),
		zap.String("title", notif.Title),
		zap.String("body", notif.Body),
		zap.ByteString("payload", notif.Payload),
	)
	return nil
}
