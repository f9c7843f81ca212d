package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-exchange/pkg/logging"
	"github.com/zoff-tech/go-exchange/pkg/schema"
	"github.com/zoff-tech/go-exchange/pkg/store"
	"github.com/zoff-tech/go-exchange/pkg/telemetry"
)

var validate = validator.New()

// OutboundMessage is what the case-mutation transaction hands to the outbox.
type OutboundMessage struct {
	// MessageID is generated when empty.
	MessageID      string          `validate:"omitempty,max=256"`
	CorrelationKey string          `validate:"required"`
	Type           string          `validate:"required"`
	Source         string          `validate:"omitempty,max=256"`
	Payload        json.RawMessage `validate:"required"`
}

// Outbox stores outbound messages for the dispatcher.
type Outbox struct {
	messages store.MessageStore
	source   string
	clock    Clock
	logger   *zap.Logger
	metrics  *telemetry.Metrics
}

// NewOutbox returns a producer stamping source on messages that carry none.
func NewOutbox(messages store.MessageStore, source string, opts Options) *Outbox {
	opts.setDefaults()
	return &Outbox{
		messages: messages,
		source:   source,
		clock:    opts.Clock,
		logger:   opts.Logger.Named("outbox"),
		metrics:  opts.Metrics,
	}
}

// Enqueue stores m as PENDING. To enqueue inside the case-mutation transaction
// pass the mongo session context, or a context from PostgresRepository.WithTx.
// A repeated MessageID yields store.ErrDuplicateMessage.
func (o *Outbox) Enqueue(ctx context.Context, m OutboundMessage) (*store.Message, error) {
	ctx, span := tracer.Start(ctx, "Enqueue", trace.WithAttributes(
		attribute.String("exchange.role", store.RoleOutbox.String()),
		attribute.String("message.correlation_key", m.CorrelationKey),
		attribute.String("message.type", m.Type),
	))
	defer span.End()

	if err := validate.Struct(m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if !json.Valid(m.Payload) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidMessage)
	}
	if m.MessageID == "" {
		m.MessageID = store.NewID()
	}
	if m.Source == "" {
		m.Source = o.source
	}
	if m.Source == "" {
		return nil, fmt.Errorf("%w: source is required", ErrInvalidMessage)
	}

	msg := store.NewMessage(store.RoleOutbox, m.MessageID, m.CorrelationKey, m.Type, m.Source, m.Payload, o.clock.Now())
	if err := o.messages.Insert(ctx, msg); err != nil {
		if !errors.Is(err, store.ErrDuplicateMessage) {
			recordSpanError(span, err)
		}
		return nil, fmt.Errorf("enqueue %s: %w", m.MessageID, err)
	}
	o.metrics.Enqueued(store.RoleOutbox.String())
	span.SetAttributes(attribute.String("message.id", msg.ID))
	logging.For(ctx, o.logger).Debug("message enqueued",
		zap.String("message_id", msg.MessageID), zap.String("correlation_key", msg.CorrelationKey))
	return msg, nil
}

// Inbox accepts inbound broker deliveries, deduplicating on the envelope id.
type Inbox struct {
	messages         store.MessageStore
	correlationField string
	clock            Clock
	logger           *zap.Logger
	metrics          *telemetry.Metrics
}

// NewInbox returns a producer reading the correlation key from
// data.<correlationField> when the envelope has no correlationkey extension.
func NewInbox(messages store.MessageStore, correlationField string, opts Options) *Inbox {
	opts.setDefaults()
	return &Inbox{
		messages:         messages,
		correlationField: correlationField,
		clock:            opts.Clock,
		logger:           opts.Logger.Named("inbox"),
		metrics:          opts.Metrics,
	}
}

// Accept stores env as a PENDING inbox message. A delivery whose id is already
// stored is dropped: accepted is false and the error nil. Any error means the
// delivery must not be acknowledged to the broker.
func (i *Inbox) Accept(ctx context.Context, env *schema.Envelope) (bool, error) {
	ctx, span := tracer.Start(ctx, "Accept", trace.WithAttributes(
		attribute.String("exchange.role", store.RoleInbox.String()),
		attribute.String("message.message_id", env.ID),
		attribute.String("message.type", env.Type),
	))
	defer span.End()

	if err := env.Validate(); err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	key, err := env.ResolveCorrelationKey(i.correlationField)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	msg := store.NewMessage(store.RoleInbox, env.ID, key, env.Type, env.Source, env.Data, i.clock.Now())
	if err := i.messages.Insert(ctx, msg); err != nil {
		if errors.Is(err, store.ErrDuplicateMessage) {
			i.metrics.Duplicate(store.RoleInbox.String())
			span.SetAttributes(attribute.Bool("message.duplicate", true))
			logging.For(ctx, i.logger).Debug("duplicate delivery ignored", zap.String("message_id", env.ID))
			return false, nil
		}
		recordSpanError(span, err)
		return false, fmt.Errorf("accept %s: %w", env.ID, err)
	}
	i.metrics.Enqueued(store.RoleInbox.String())
	return true, nil
}
