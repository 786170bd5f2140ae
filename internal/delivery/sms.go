package delivery

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

// SNSAPI is the subset of the SNS client used by SMSChannel.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SMSPayload is the channel specific part of an SMS notification.
type SMSPayload struct {
	PhoneNumber string `json:"phone_number"`
	SenderID    string `json:"sender_id,omitempty"`
}

// SMSChannel sends notifications as text messages through AWS SNS.
type SMSChannel struct {
	client SNSAPI
	logger *zap.Logger
}

func NewSMSChannel(client SNSAPI, logger *zap.Logger) *SMSChannel {
	return &SMSChannel{
		client: client,
		logger: logger,
	}
}

func (c *SMSChannel) Name() string { return "sms" }

func (c *SMSChannel) Deliver(ctx context.Context, notif *db.Notification) error {
	var payload SMSPayload
	if err := decodePayload(notif, &payload); err != nil {
		return err
	}
	if !strings.HasPrefix(payload.PhoneNumber, "+") {
		return Permanentf("sms payload needs an E.164 phone_number, got %q", payload.PhoneNumber)
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(payload.PhoneNumber),
		Message:     aws.String(messageText(notif)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"AWS.SNS.SMS.SMSType": {
				DataType:    aws.String("String"),
				StringValue: aws.String("Transactional"),
			},
		},
	}
	if payload.SenderID != "" {
		input.MessageAttributes["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(payload.SenderID),
		}
	}

	result, err := c.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	c.logger.Info("SMS sent via SNS",
		zap.Int64("notification_id", notif.ID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
