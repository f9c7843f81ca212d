package processor

import (
	"context"
	"errors"

	"github.com/zoff-tech/go-exchange/pkg/exchange"
	"github.com/zoff-tech/go-exchange/pkg/schema"
	"github.com/zoff-tech/go-exchange/pkg/store"
)

var (
	// ErrWorkerPanic is returned by Pool.Run when a worker loop panicked.
	ErrWorkerPanic = errors.New("worker panic")
	// ErrHandlerPanic is the failure recorded for a message whose execution panicked.
	ErrHandlerPanic = errors.New("handler panic")
)

// Executor delivers (outbox) or handles (inbox) one claimed message. The
// context carries a deadline at the message's claimExpiresAt.
type Executor interface {
	Execute(ctx context.Context, msg *store.Message) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, msg *store.Message) error

func (f ExecutorFunc) Execute(ctx context.Context, msg *store.Message) error {
	return f(ctx, msg)
}

// envelopeOf rebuilds the wire envelope of a stored message.
func envelopeOf(msg *store.Message) *schema.Envelope {
	return schema.NewEnvelope(msg.MessageID, msg.Source, msg.Type, msg.CorrelationKey, msg.Payload, msg.Date)
}

func deliveryError(msg *store.Message, err error) error {
	var de *exchange.DeliveryError
	if errors.As(err, &de) {
		return err
	}
	return &exchange.DeliveryError{MessageID: msg.MessageID, Err: err}
}
