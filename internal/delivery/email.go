package delivery

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

// SESAPI is the subset of the SES client used by EmailChannel.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// EmailPayload is the channel specific part of an email notification.
// Subject and text body come from the notification's title and body.
type EmailPayload struct {
	To      string   `json:"to"`
	CC      []string `json:"cc,omitempty"`
	HTML    string   `json:"html,omitempty"`
	ReplyTo string   `json:"reply_to,omitempty"`
}

// EmailChannel sends notifications as email through AWS SES.
type EmailChannel struct {
	client SESAPI
	from   string
	logger *zap.Logger
}

func NewEmailChannel(client SESAPI, from string, logger *zap.Logger) *EmailChannel {
	return &EmailChannel{
		client: client,
		from:   from,
		logger: logger,
	}
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Deliver(ctx context.Context, notif *db.Notification) error {
	var payload EmailPayload
	if err := decodePayload(notif, &payload); err != nil {
		return err
	}
	if payload.To == "" {
		return Permanentf("email payload missing 'to' field")
	}

	body := &types.Body{
		Text: &types.Content{
			Data:    aws.String(notif.Body),
			Charset: aws.String("UTF-8"),
		},
	}
	if payload.HTML != "" {
		body.Html = &types.Content{
			Data:    aws.String(payload.HTML),
			Charset: aws.String("UTF-8"),
		}
	}

	input := &ses.SendEmailInput{
		Source: aws.String(c.from),
		Destination: &types.Destination{
			ToAddresses: []string{payload.To},
			CcAddresses: payload.CC,
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(notif.Title),
				Charset: aws.String("UTF-8"),
			},
			Body: body,
		},
	}
	if payload.ReplyTo != "" {
		input.ReplyToAddresses = []string{payload.ReplyTo}
	}

	result, err := c.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	c.logger.Info("email sent via SES",
		zap.Int64("notification_id", notif.ID),
		zap.String("to", payload.To),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
