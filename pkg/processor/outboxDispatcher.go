package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zoff-tech/go-exchange/pkg/broker"
	"github.com/zoff-tech/go-exchange/pkg/config"
	"github.com/zoff-tech/go-exchange/pkg/store"
)

// OutboxDispatcher publishes outbox messages as CloudEvents envelopes. Publishes
// go through a circuit breaker and an optional rate limiter.
type OutboxDispatcher struct {
	publisher broker.Publisher
	topic     string
	breaker   *gobreaker.CircuitBreaker
	limiter   *rate.Limiter
	logger    *zap.Logger
}

func NewOutboxDispatcher(publisher broker.Publisher, cfg config.BrokerSettings, logger *zap.Logger) *OutboxDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("dispatcher")

	d := &OutboxDispatcher{
		publisher: publisher,
		topic:     cfg.Topic,
		logger:    logger,
	}
	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broker-publish",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return cfg.BreakerFailures > 0 && counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name), zap.Stringer("from", from), zap.Stringer("to", to))
		},
		// a lease running out is not a broker fault
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	if cfg.RateLimit > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(1, int(cfg.RateLimit)))
	}
	return d
}

func (d *OutboxDispatcher) Execute(ctx context.Context, msg *store.Message) error {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return deliveryError(msg, fmt.Errorf("rate limit: %w", err))
		}
	}

	body, err := envelopeOf(msg).Encode()
	if err != nil {
		return deliveryError(msg, err)
	}

	_, err = d.breaker.Execute(func() (interface{}, error) {
		return nil, d.publisher.Publish(ctx, broker.Message{
			Topic:       d.topic,
			RoutingKey:  msg.Type,
			OrderingKey: msg.CorrelationKey,
			ID:          msg.MessageID,
			Body:        body,
		})
	})
	if err != nil {
		return deliveryError(msg, err)
	}
	return nil
}

// State reports the circuit breaker state.
func (d *OutboxDispatcher) State() gobreaker.State {
	return d.breaker.State()
}
