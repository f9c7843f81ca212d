package config

import "time"

// BrokerSettings holds configuration for connecting to a message broker.
type BrokerSettings struct {
	Type      string `mapstructure:"type" validate:"required,oneof=rabbitmq gcp-pubsub"`
	URL       string `mapstructure:"url" validate:"required_if=Type rabbitmq"`
	Exchange  string `mapstructure:"exchange"`
	ProjectID string `mapstructure:"project_id" validate:"required_if=Type gcp-pubsub"` // GCP Pub/Sub only
	PoolSize  int    `mapstructure:"pool_size" validate:"gte=0"`                        // RabbitMQ channel pool
	// Topic receives outbox messages; Queue and Subscription feed the inbox.
	Topic        string `mapstructure:"topic"`
	Queue        string `mapstructure:"queue"`
	Subscription string `mapstructure:"subscription"`
	// RateLimit caps publishes per second; zero disables the limiter.
	RateLimit       float64       `mapstructure:"rate_limit" validate:"gte=0"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

func (b *BrokerSettings) setDefaults() {
	if b.PoolSize == 0 {
		b.PoolSize = 5
	}
	if b.Topic == "" {
		b.Topic = "exchange.outbox"
	}
	if b.Queue == "" {
		b.Queue = "exchange.inbox"
	}
	if b.Subscription == "" {
		b.Subscription = b.Queue
	}
	if b.BreakerFailures == 0 {
		b.BreakerFailures = 5
	}
	if b.BreakerTimeout == 0 {
		b.BreakerTimeout = 30 * time.Second
	}
}
