package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	Env      string `env:"ENV" envDefault:"development"`

	// Database
	DBHost     string `env:"DB_HOST" envDefault:"localhost"`
	DBPort     int    `env:"DB_PORT" envDefault:"5432"`
	DBUser     string `env:"DB_USER" envDefault:"courier"`
	DBPassword string `env:"DB_PASSWORD"`
	DBName     string `env:"DB_NAME" envDefault:"courier"`
	DBSSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`

	// Redis config
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// AWS Services. SQS and SNS regions fall back to AWSRegion.
	AWSRegion    string `env:"AWS_REGION" envDefault:"us-east-1"`
	SQSRegion    string `env:"SQS_REGION"`
	SQSQueueURL  string `env:"SQS_QUEUE_URL"` // empty runs the in-process queue
	SESFromEmail string `env:"SES_FROM_EMAIL" envDefault:"noreply@courier.local"`
	SNSRegion    string `env:"SNS_REGION"`

	// Unacked jobs become receivable again after this long, on either queue.
	QueueVisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT" envDefault:"90s"`

	// HTTP channels
	SlackWebhookURL string        `env:"SLACK_WEBHOOK_URL"`
	WebhookTimeout  time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"30s"`

	// Channels enabled in the registry, by name.
	Channels []string `env:"NOTIFICATION_CHANNELS" envSeparator:"," envDefault:"log,email,sms"`

	// Per tenant+user creation limit.
	NotificationRateLimitMaxAttempts  int `env:"NOTIFICATION_RATE_LIMIT_MAX_ATTEMPTS" envDefault:"10"`
	NotificationRateLimitDecaySeconds int `env:"NOTIFICATION_RATE_LIMIT_DECAY_SECONDS" envDefault:"3600"`

	// Per client IP API limit.
	APIRateLimit  int           `env:"API_RATE_LIMIT" envDefault:"100"`
	APIRateWindow time.Duration `env:"API_RATE_WINDOW" envDefault:"1m"`

	// Workers
	WorkerConcurrency int           `env:"WORKER_CONCURRENCY" envDefault:"4"`
	LockTTL           time.Duration `env:"LOCK_TTL" envDefault:"60s"`
	DeliveryTimeout   time.Duration `env:"DELIVERY_TIMEOUT" envDefault:"45s"`

	// Read cache
	RecentCacheTTL  time.Duration `env:"RECENT_CACHE_TTL" envDefault:"120s"`
	SummaryCacheTTL time.Duration `env:"SUMMARY_CACHE_TTL" envDefault:"300s"`
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first when present; real
// environment variables take precedence over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.SQSRegion == "" {
		cfg.SQSRegion = cfg.AWSRegion
	}
	if cfg.SNSRegion == "" {
		cfg.SNSRegion = cfg.AWSRegion
	}
	for i, name := range cfg.Channels {
		cfg.Channels[i] = strings.TrimSpace(name)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints env tags cannot express.
func (c *Config) Validate() error {
	var errs []error

	if c.NotificationRateLimitMaxAttempts <= 0 {
		errs = append(errs, errors.New("NOTIFICATION_RATE_LIMIT_MAX_ATTEMPTS must be positive"))
	}
	if c.NotificationRateLimitDecaySeconds <= 0 {
		errs = append(errs, errors.New("NOTIFICATION_RATE_LIMIT_DECAY_SECONDS must be positive"))
	}
	if c.APIRateLimit <= 0 || c.APIRateWindow <= 0 {
		errs = append(errs, errors.New("API_RATE_LIMIT and API_RATE_WINDOW must be positive"))
	}
	if c.WorkerConcurrency <= 0 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be positive"))
	}
	if c.QueueVisibilityTimeout <= 0 {
		errs = append(errs, errors.New("QUEUE_VISIBILITY_TIMEOUT must be positive"))
	}
	if c.LockTTL <= 0 {
		errs = append(errs, errors.New("LOCK_TTL must be positive"))
	}
	// A delivery outliving the lock would let a second worker start the same notification.
	if c.DeliveryTimeout <= 0 || c.DeliveryTimeout >= c.LockTTL {
		errs = append(errs, fmt.Errorf("DELIVERY_TIMEOUT (%s) must be positive and below LOCK_TTL (%s)", c.DeliveryTimeout, c.LockTTL))
	}
	if len(c.Channels) == 0 {
		errs = append(errs, errors.New("NOTIFICATION_CHANNELS must name at least one channel"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// NotificationRateLimitDecay is the creation limit window as a duration.
func (c *Config) NotificationRateLimitDecay() time.Duration {
	return time.Duration(c.NotificationRateLimitDecaySeconds) * time.Second
}
