package broker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/zoff-tech/go-exchange/pkg/config"
)

// NewBroker connects to the broker selected by cfg.Type.
func NewBroker(ctx context.Context, cfg *config.BrokerSettings, logger *zap.Logger) (Broker, error) {
	switch cfg.Type {
	case "rabbitmq":
		return NewRabbitMqBroker(ctx, cfg, logger)
	case "gcp-pubsub":
		return NewPubSubClient(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}
