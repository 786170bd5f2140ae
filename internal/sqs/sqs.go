// Package sqs backs the job queue with Amazon SQS. Releases and retry
// backoff map onto DelaySeconds.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/queue"
)

// MaxDelay is the longest DelaySeconds SQS accepts. Longer releases are
// clamped; the processor releases again if it runs early.
const MaxDelay = 900 * time.Second

// API is the subset of the SQS client used here.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string

	// VisibilityTimeout hides a received message from other consumers. It
	// should exceed the delivery lock TTL.
	VisibilityTimeout time.Duration

	// WaitTime is the long-poll duration, at most 20s.
	WaitTime time.Duration

	// BatchSize is the number of messages per receive, at most 10.
	BatchSize int32
}

func (c *Config) defaults() {
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 90 * time.Second
	}
	if c.WaitTime <= 0 || c.WaitTime > 20*time.Second {
		c.WaitTime = 20 * time.Second
	}
	if c.BatchSize <= 0 || c.BatchSize > 10 {
		c.BatchSize = 10
	}
}

// Queue sends and receives jobs through one SQS queue.
type Queue struct {
	client API
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
}

// New loads the default AWS config for cfg.Region and creates a Queue.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs queue initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return NewWithClient(sqs.NewFromConfig(awsCfg), cfg, logger), nil
}

// NewWithClient creates a Queue over an existing client.
func NewWithClient(client API, cfg Config, logger *zap.Logger) *Queue {
	cfg.defaults()
	return &Queue{
		client: client,
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
	}
}

// delaySeconds rounds delay up to whole seconds within [0, 900].
func delaySeconds(delay time.Duration) int32 {
	if delay <= 0 {
		return 0
	}
	if delay > MaxDelay {
		delay = MaxDelay
	}
	return int32(math.Ceil(delay.Seconds()))
}

// Enqueue sends job to SQS, visible after delay.
func (q *Queue) Enqueue(ctx context.Context, job queue.Job, delay time.Duration) error {
	job.EnqueuedAt = q.now().UnixNano()

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:     aws.String(q.cfg.QueueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: delaySeconds(delay),
	}

	if _, err := q.client.SendMessage(ctx, input); err != nil {
		q.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.Int64("notification_id", job.NotificationID),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	return nil
}

// Receive long-polls for a batch of jobs. Bodies that do not decode are
// deleted so they cannot poison the queue.
func (q *Queue) Receive(ctx context.Context) ([]queue.Message, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.cfg.QueueURL),
		MaxNumberOfMessages: q.cfg.BatchSize,
		WaitTimeSeconds:     int32(q.cfg.WaitTime / time.Second),
		VisibilityTimeout:   int32(q.cfg.VisibilityTimeout / time.Second),
	}

	result, err := q.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	msgs := make([]queue.Message, 0, len(result.Messages))
	for _, m := range result.Messages {
		msg := queue.Message{
			ID:     aws.ToString(m.MessageId),
			Handle: aws.ToString(m.ReceiptHandle),
		}

		if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &msg.Job); err != nil || msg.Job.NotificationID == 0 {
			q.logger.Error("dropping malformed message",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			if err := q.Ack(ctx, msg); err != nil {
				q.logger.Warn("failed to drop malformed message", zap.Error(err))
			}
			continue
		}
		msgs = append(msgs, msg)
	}

	return msgs, nil
}

// Ack deletes a processed message.
func (q *Queue) Ack(ctx context.Context, msg queue.Message) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.cfg.QueueURL),
		ReceiptHandle: aws.String(msg.Handle),
	}

	if _, err := q.client.DeleteMessage(ctx, input); err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}
