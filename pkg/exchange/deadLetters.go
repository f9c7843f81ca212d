package exchange

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/zoff-tech/go-exchange/pkg/store"
)

// DeadLetters is the operator view of FAILED messages.
type DeadLetters struct {
	messages store.MessageStore
	clock    Clock
	logger   *zap.Logger
}

func NewDeadLetters(messages store.MessageStore, opts Options) *DeadLetters {
	opts.setDefaults()
	return &DeadLetters{messages: messages, clock: opts.Clock, logger: opts.Logger.Named("dead_letters")}
}

// List returns up to limit FAILED messages of role, oldest first.
func (d *DeadLetters) List(ctx context.Context, role store.Role, limit int) ([]*store.Message, error) {
	msgs, err := d.messages.ListFailed(ctx, role, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return msgs, nil
}

// Requeue returns a FAILED message to PENDING with its attempts reset. Messages
// in any other state yield store.ErrClaimConflict.
func (d *DeadLetters) Requeue(ctx context.Context, role store.Role, id string) (*store.Message, error) {
	msg, err := d.messages.Requeue(ctx, role, id, d.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("requeue %s: %w", id, err)
	}
	d.logger.Info("dead letter requeued", zap.String("role", role.String()), zap.String("message_id", id))
	return msg, nil
}
