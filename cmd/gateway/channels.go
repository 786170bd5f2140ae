package main

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/circuitbreaker"
	"github.com/lalithlochan/courier/internal/config"
	"github.com/lalithlochan/courier/internal/delivery"
)

type channelSet struct {
	all      []delivery.Channel
	breakers []*circuitbreaker.CircuitBreaker
}

// protect wraps a remote channel in a circuit breaker.
func (s *channelSet) protect(ch delivery.Channel, logger *zap.Logger) {
	protected := circuitbreaker.Protect(ch, circuitbreaker.DefaultConfig(ch.Name()), logger)
	s.all = append(s.all, protected)
	s.breakers = append(s.breakers, protected.Breaker())
}

// buildChannels constructs the channels named in cfg.Channels.
func buildChannels(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*channelSet, error) {
	set := &channelSet{}

	for _, name := range cfg.Channels {
		switch name {
		case "log":
			set.all = append(set.all, delivery.NewLogChannel(logger))
		case "email":
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
			if err != nil {
				return nil, fmt.Errorf("failed to load AWS config for SES: %w", err)
			}
			set.protect(delivery.NewEmailChannel(ses.NewFromConfig(awsCfg), cfg.SESFromEmail, logger), logger)
		case "sms":
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.SNSRegion))
			if err != nil {
				return nil, fmt.Errorf("failed to load AWS config for SNS: %w", err)
			}
			set.protect(delivery.NewSMSChannel(sns.NewFromConfig(awsCfg), logger), logger)
		case "webhook":
			set.protect(delivery.NewWebhookChannel(cfg.WebhookTimeout, logger), logger)
		case "slack":
			if cfg.SlackWebhookURL == "" {
				return nil, fmt.Errorf("slack channel requires SLACK_WEBHOOK_URL")
			}
			set.protect(delivery.NewSlackChannel(cfg.SlackWebhookURL, cfg.WebhookTimeout, logger), logger)
		default:
			return nil, fmt.Errorf("unknown channel %q in NOTIFICATION_CHANNELS", name)
		}
	}

	return set, nil
}
