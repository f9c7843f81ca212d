package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-exchange/pkg/broker"
	"github.com/zoff-tech/go-exchange/pkg/config"
	"github.com/zoff-tech/go-exchange/pkg/exchange"
	"github.com/zoff-tech/go-exchange/pkg/schema"
	"github.com/zoff-tech/go-exchange/pkg/store"
)

func TestOutboxDispatcherPublishesEnvelope(t *testing.T) {
	pub := new(mockPublisher)
	msg := store.NewMessage(store.RoleOutbox, "m-1", "case-1", "case.created", "cases", []byte(`{"caseId":"case-1"}`), time.Now().UTC())

	var sent broker.Message
	pub.On("Publish", mock.Anything, mock.AnythingOfType("broker.Message")).
		Run(func(args mock.Arguments) { sent = args.Get(1).(broker.Message) }).
		Return(nil).Once()

	d := NewOutboxDispatcher(pub, config.BrokerSettings{Topic: "cases"}, nil)
	require.NoError(t, d.Execute(context.Background(), msg))
	pub.AssertExpectations(t)

	assert.Equal(t, "cases", sent.Topic)
	assert.Equal(t, "case.created", sent.RoutingKey)
	assert.Equal(t, "case-1", sent.OrderingKey)
	assert.Equal(t, "m-1", sent.ID)

	env, err := schema.Decode(sent.Body)
	require.NoError(t, err)
	assert.Equal(t, "m-1", env.ID)
	assert.Equal(t, "cases", env.Source)
	assert.Equal(t, "case-1", env.CorrelationKey)
	assert.JSONEq(t, `{"caseId":"case-1"}`, string(env.Data))
}

func TestOutboxDispatcherWrapsPublishErrors(t *testing.T) {
	pub := new(mockPublisher)
	msg := store.NewMessage(store.RoleOutbox, "m-1", "case-1", "t", "s", []byte(`{}`), time.Now())
	pub.On("Publish", mock.Anything, mock.Anything).Return(broker.ErrNacked)

	d := NewOutboxDispatcher(pub, config.BrokerSettings{}, nil)
	err := d.Execute(context.Background(), msg)

	var de *exchange.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "m-1", de.MessageID)
	assert.ErrorIs(t, err, broker.ErrNacked)
}

func TestOutboxDispatcherOpensBreaker(t *testing.T) {
	pub := new(mockPublisher)
	msg := store.NewMessage(store.RoleOutbox, "m-1", "case-1", "t", "s", []byte(`{}`), time.Now())
	pub.On("Publish", mock.Anything, mock.Anything).Return(errors.New("connection refused")).Times(2)

	d := NewOutboxDispatcher(pub, config.BrokerSettings{BreakerFailures: 2, BreakerTimeout: time.Minute}, nil)
	assert.Error(t, d.Execute(context.Background(), msg))
	assert.Error(t, d.Execute(context.Background(), msg))
	assert.Equal(t, gobreaker.StateOpen, d.State())

	err := d.Execute(context.Background(), msg)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	pub.AssertNumberOfCalls(t, "Publish", 2)
}

func TestOutboxDispatcherIgnoresDeadlinesForBreaker(t *testing.T) {
	pub := new(mockPublisher)
	msg := store.NewMessage(store.RoleOutbox, "m-1", "case-1", "t", "s", []byte(`{}`), time.Now())
	pub.On("Publish", mock.Anything, mock.Anything).Return(context.DeadlineExceeded)

	d := NewOutboxDispatcher(pub, config.BrokerSettings{BreakerFailures: 1, BreakerTimeout: time.Minute}, nil)
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, d.Execute(context.Background(), msg), context.DeadlineExceeded)
	}
	assert.Equal(t, gobreaker.StateClosed, d.State())
}

func TestOutboxDispatcherRateLimitHonoursDeadline(t *testing.T) {
	pub := new(mockPublisher)
	msg := store.NewMessage(store.RoleOutbox, "m-1", "case-1", "t", "s", []byte(`{}`), time.Now())
	pub.On("Publish", mock.Anything, mock.Anything).Return(nil).Once()

	d := NewOutboxDispatcher(pub, config.BrokerSettings{RateLimit: 0.1}, nil)
	require.NoError(t, d.Execute(context.Background(), msg))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := d.Execute(ctx, msg)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
	pub.AssertExpectations(t)
}
