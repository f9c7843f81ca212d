package processor

import (
	"context"
	"strconv"

	"github.com/zoff-tech/go-exchange/pkg/broker"
	"github.com/zoff-tech/go-exchange/pkg/store"
)

const (
	headerDeadLetterReason = "x-dead-letter-reason"
	headerAttempts         = "x-completion-attempts"
	headerRole             = "x-exchange-role"
)

// DeadLetterPublisher forwards dead-lettered messages to a broker topic.
type DeadLetterPublisher struct {
	publisher broker.Publisher
	topic     string
}

func NewDeadLetterPublisher(publisher broker.Publisher, topic string) *DeadLetterPublisher {
	return &DeadLetterPublisher{publisher: publisher, topic: topic}
}

func (p *DeadLetterPublisher) NotifyDeadLetter(ctx context.Context, msg *store.Message, cause error) error {
	body, err := envelopeOf(msg).Encode()
	if err != nil {
		// the payload is the reason it died; ship it raw
		body = msg.Payload
	}
	headers := map[string]string{
		headerAttempts: strconv.Itoa(msg.CompletionAttempts),
		headerRole:     msg.Role.String(),
	}
	if cause != nil {
		headers[headerDeadLetterReason] = cause.Error()
	}
	return p.publisher.Publish(ctx, broker.Message{
		Topic:       p.topic,
		RoutingKey:  msg.Type,
		OrderingKey: msg.CorrelationKey,
		ID:          msg.MessageID,
		Body:        body,
		Headers:     headers,
	})
}
