package processor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/zoff-tech/go-exchange/pkg/broker"
	"github.com/zoff-tech/go-exchange/pkg/exchange"
	"github.com/zoff-tech/go-exchange/pkg/schema"
)

// InboxListener stores broker deliveries in the inbox. A delivery is
// acknowledged once stored (or recognized as a duplicate); the inbox workers
// process it later.
type InboxListener struct {
	subscriber broker.Subscriber
	inbox      *exchange.Inbox
	logger     *zap.Logger
}

func NewInboxListener(subscriber broker.Subscriber, inbox *exchange.Inbox, logger *zap.Logger) *InboxListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InboxListener{subscriber: subscriber, inbox: inbox, logger: logger.Named("listener")}
}

// Run blocks until ctx is done.
func (l *InboxListener) Run(ctx context.Context) error {
	return l.subscriber.Subscribe(ctx, l.handle)
}

func (l *InboxListener) handle(ctx context.Context, body []byte) error {
	env, err := schema.Decode(body)
	if err != nil {
		return fmt.Errorf("%w: %w", broker.ErrReject, err)
	}
	accepted, err := l.inbox.Accept(ctx, env)
	if err != nil {
		if errors.Is(err, exchange.ErrInvalidMessage) {
			return fmt.Errorf("%w: %w", broker.ErrReject, err)
		}
		return err
	}
	if !accepted {
		l.logger.Debug("duplicate delivery acknowledged", zap.String("message_id", env.ID))
	}
	return nil
}
