package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-exchange/pkg/config"
)

const (
	exchangeKind     = "topic"
	consumerPrefetch = 32
	reconnectEvery   = 5 * time.Second
)

type RabbitMQBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, logger *zap.Logger) (Broker, error)

var NewRabbitMqBroker RabbitMQBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, logger *zap.Logger) (Broker, error) {
	if settings.PoolSize <= 0 {
		return nil, errors.New("poolSize must be greater than 0")
	}

	broker := newRabbitMqBroker(settings, logger, reconnectEvery)
	if err := broker.connectAndInitialize(); err != nil {
		return nil, err
	}

	// Start connection recovery in a separate goroutine
	go broker.recoverConnection()

	return broker, nil
}

type rabbitMqBroker struct {
	connection      amqpConnection
	channelPool     chan *pooledChannel
	mu              sync.Mutex
	closed          bool
	settings        *config.BrokerSettings
	logger          *zap.Logger
	reconnectTicker *time.Ticker
	stopReconnect   chan struct{}
	retryDelay      time.Duration
}

func newRabbitMqBroker(settings *config.BrokerSettings, logger *zap.Logger, retry time.Duration) *rabbitMqBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &rabbitMqBroker{
		channelPool:     make(chan *pooledChannel, settings.PoolSize),
		settings:        settings,
		logger:          logger.Named("rabbitmq"),
		reconnectTicker: time.NewTicker(retry),
		stopReconnect:   make(chan struct{}),
		retryDelay:      retry,
	}
}

// Publish sends msg to the exchange msg.Topic and waits for the publisher confirm.
func (r *rabbitMqBroker) Publish(ctx context.Context, msg Message) error {
	ctx, span := tracer.Start(ctx, "Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKindKey.String(exchangeKind),
			semconv.MessagingDestinationKey.String(msg.Topic),
			semconv.MessagingRabbitmqRoutingKeyKey.String(msg.RoutingKey),
			semconv.MessagingMessageIDKey.String(msg.ID),
		),
	)
	defer span.End()

	err := r.publish(ctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(msg.Body)),
	)
	return nil
}

func (r *rabbitMqBroker) publish(ctx context.Context, msg Message) error {
	pooledChan, err := r.getChannel()
	if err != nil {
		return err
	}

	// ExchangeDeclare is idempotent and has no effect if the exchange is already in place
	err = pooledChan.channel.ExchangeDeclare(
		msg.Topic,    // name of the exchange
		exchangeKind, // type of the exchange
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		r.releaseChannel(pooledChan)
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	err = pooledChan.channel.Publish(
		msg.Topic, msg.RoutingKey, false, false,
		amqp.Publishing{
			ContentType:  contentType,
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Timestamp:    time.Now().UTC(),
			Headers:      tableFromHeaders(traceHeaders(ctx, msg.Headers)),
			Body:         msg.Body,
		},
	)
	if err != nil {
		r.releaseChannel(pooledChan)
		return err
	}

	// a checked-out channel has exactly one unconfirmed publish
	select {
	case confirm, ok := <-pooledChan.confirms:
		if !ok {
			r.discardChannel(pooledChan)
			return errChannelClosed
		}
		r.releaseChannel(pooledChan)
		if !confirm.Ack {
			return fmt.Errorf("%w: delivery tag %d", ErrNacked, confirm.DeliveryTag)
		}
		return nil
	case <-ctx.Done():
		r.discardChannel(pooledChan)
		return ctx.Err()
	}
}

// Subscribe consumes settings.Queue until ctx is done, reopening the consumer
// channel after connection loss.
func (r *rabbitMqBroker) Subscribe(ctx context.Context, handler DeliveryHandler) error {
	for {
		err := r.consume(ctx, handler)
		if ctx.Err() != nil {
			return nil
		}
		r.logger.Warn("RabbitMQ consumer stopped, retrying", zap.Error(err), zap.Duration("retry_in", r.retryDelay))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.retryDelay):
		}
	}
}

func (r *rabbitMqBroker) consume(ctx context.Context, handler DeliveryHandler) error {
	conn := r.currentConnection()
	if conn == nil {
		return errChannelClosed
	}
	channel, err := conn.Channel()
	if err != nil {
		return err
	}
	defer channel.Close()

	if err := channel.Qos(consumerPrefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}
	if _, err := channel.QueueDeclare(r.settings.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if r.settings.Exchange != "" {
		if err := channel.ExchangeDeclare(r.settings.Exchange, exchangeKind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange: %w", err)
		}
		if err := channel.QueueBind(r.settings.Queue, "#", r.settings.Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue: %w", err)
		}
	}

	deliveries, err := channel.Consume(r.settings.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume: %w", err)
	}
	r.logger.Info("RabbitMQ consumer started", zap.String("queue", r.settings.Queue))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errChannelClosed
			}
			r.handleDelivery(ctx, d, handler)
		}
	}
}

func (r *rabbitMqBroker) handleDelivery(ctx context.Context, d amqp.Delivery, handler DeliveryHandler) {
	ctx = extractTrace(ctx, headersFromTable(d.Headers))
	ctx, span := tracer.Start(ctx, "Receive",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKey.String(r.settings.Queue),
			semconv.MessagingMessageIDKey.String(d.MessageId),
		),
	)
	defer span.End()

	var ackErr error
	err := handler(ctx, d.Body)
	switch {
	case err == nil:
		ackErr = d.Ack(false)
	case errors.Is(err, ErrReject):
		r.logger.Warn("Rejecting delivery", zap.String("message_id", d.MessageId), zap.Error(err))
		ackErr = d.Reject(false)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		ackErr = d.Nack(false, true)
	}
	if ackErr != nil {
		r.logger.Error("Failed to settle delivery", zap.String("message_id", d.MessageId), zap.Error(ackErr))
	}
}

func (r *rabbitMqBroker) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	// Stop the connection recovery goroutine
	close(r.stopReconnect)
	r.reconnectTicker.Stop()

	r.drainPool()

	conn := r.currentConnection()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
