package broker

import (
	"context"
	"errors"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/zoff-tech/go-exchange/pkg/config"
)

// PubSubBrokerCreator defines a function type for creating Pub/Sub clients.
type PubSubBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, logger *zap.Logger, opts ...option.ClientOption) (Broker, error)

// NewPubSubClient is the default implementation of PubSubBrokerCreator.
var NewPubSubClient PubSubBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, logger *zap.Logger, opts ...option.ClientOption) (Broker, error) {
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, err
	}
	return newPubSubBroker(client, settings.Subscription, logger), nil
}

type pubSubBroker struct {
	client       *pubsub.Client
	subscription string
	logger       *zap.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

func newPubSubBroker(client *pubsub.Client, subscription string, logger *zap.Logger) *pubSubBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &pubSubBroker{
		client:       client,
		subscription: subscription,
		logger:       logger.Named("pubsub"),
		topics:       make(map[string]*pubsub.Topic),
	}
}

// topic returns the cached publisher of id with ordered delivery enabled.
func (p *pubSubBroker) topic(id string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[id]; ok {
		return t
	}
	t := p.client.Topic(id)
	t.EnableMessageOrdering = true
	p.topics[id] = t
	return t
}

func (p *pubSubBroker) Publish(ctx context.Context, msg Message) error {
	ctx, span := tracer.Start(ctx, "Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(msg.Topic),
			semconv.MessagingMessageIDKey.String(msg.ID),
		),
	)
	defer span.End()

	// Inject the trace context into the message attributes
	attributes := traceHeaders(ctx, msg.Headers)

	message := &pubsub.Message{
		Data:        msg.Body,
		Attributes:  attributes,
		OrderingKey: msg.OrderingKey,
	}

	topic := p.topic(msg.Topic)
	res := topic.Publish(ctx, message)
	_, err := res.Get(ctx) // wait for server ack
	if err != nil {
		// a failed publish pauses its ordering key until resumed
		if msg.OrderingKey != "" {
			topic.ResumePublish(msg.OrderingKey)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(msg.Body)),
	)

	return nil
}

// Subscribe receives from the configured subscription until ctx is done.
func (p *pubSubBroker) Subscribe(ctx context.Context, handler DeliveryHandler) error {
	sub := p.client.Subscription(p.subscription)
	p.logger.Info("Pub/Sub receiver started", zap.String("subscription", p.subscription))
	return sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		ctx = extractTrace(ctx, m.Attributes)
		ctx, span := tracer.Start(ctx, "Receive",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				semconv.MessagingSystemKey.String("pubsub"),
				semconv.MessagingDestinationKey.String(p.subscription),
				semconv.MessagingMessageIDKey.String(m.ID),
			),
		)
		defer span.End()

		err := handler(ctx, m.Data)
		switch {
		case err == nil:
			m.Ack()
		case errors.Is(err, ErrReject):
			// Pub/Sub has no reject; dead-lettering is configured on the subscription
			p.logger.Warn("Dropping rejected delivery", zap.String("pubsub_id", m.ID), zap.Error(err))
			m.Ack()
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			m.Nack()
		}
	})
}

func (p *pubSubBroker) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.topics = make(map[string]*pubsub.Topic)
	p.mu.Unlock()
	return p.client.Close()
}
