package broker

import (
	"context"
	"errors"
	"maps"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const contentType = "application/json"

var tracer = otel.Tracer("go-exchange/broker")

// ErrReject is wrapped by a DeliveryHandler for deliveries that must not be
// redelivered (undecodable envelopes). Other handler errors request redelivery.
var ErrReject = errors.New("delivery rejected")

// ErrNacked is returned when the broker refused a published message.
var ErrNacked = errors.New("publish not acknowledged")

// Message is one envelope to publish.
type Message struct {
	// Topic is the exchange (RabbitMQ) or topic id (Pub/Sub).
	Topic string
	// RoutingKey is the event type.
	RoutingKey string
	// OrderingKey is the correlation key; Pub/Sub delivers same-key messages in order.
	OrderingKey string
	ID          string
	Body        []byte
	Headers     map[string]string
}

// Publisher delivers messages to the broker. A nil error means the broker
// acknowledged receipt.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// DeliveryHandler processes one inbound delivery. A nil error acknowledges it.
type DeliveryHandler func(ctx context.Context, body []byte) error

// Subscriber feeds inbound deliveries to a handler until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, handler DeliveryHandler) error
}

// Broker is a connected publisher and subscriber.
type Broker interface {
	Publisher
	Subscriber
	// Close cleans up any resources (connections).
	Close() error
}

// traceHeaders returns a copy of headers carrying the trace context of ctx.
func traceHeaders(ctx context.Context, headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers)+2)
	maps.Copy(out, headers)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(out))
	return out
}

func extractTrace(ctx context.Context, headers map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}
