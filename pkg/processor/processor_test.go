package processor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-exchange/pkg/broker"
	"github.com/zoff-tech/go-exchange/pkg/exchange"
	"github.com/zoff-tech/go-exchange/pkg/store"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, msg broker.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

type mockSubscriber struct {
	mock.Mock
	handler broker.DeliveryHandler
}

func (m *mockSubscriber) Subscribe(ctx context.Context, handler broker.DeliveryHandler) error {
	m.handler = handler
	args := m.Called(ctx)
	return args.Error(0)
}

type fixture struct {
	repo    *store.MemoryRepository
	store   *store.Store
	opts    exchange.Options
	claims  *exchange.ClaimManager
	tracker *exchange.CompletionTracker
}

// newFixture runs on the system clock: execution deadlines derive from the
// lease expiry.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := store.NewMemoryRepository()
	s := store.NewStore(repo, repo)
	opts := exchange.Options{
		BatchSize:    10,
		MaxAttempts:  2,
		RetryBackoff: 0,
	}
	return &fixture{
		repo:    repo,
		store:   s,
		opts:    opts,
		claims:  exchange.NewClaimManager(s, opts),
		tracker: exchange.NewCompletionTracker(s, opts),
	}
}

func (f *fixture) enqueue(t *testing.T, role store.Role, messageID, key string) *store.Message {
	t.Helper()
	msg := store.NewMessage(role, messageID, key, "case.updated", "cases", []byte(`{"caseId":"`+key+`"}`), time.Now().UTC())
	require.NoError(t, f.repo.Insert(context.Background(), msg))
	return msg
}

func (f *fixture) get(t *testing.T, role store.Role, id string) *store.Message {
	t.Helper()
	msg, err := f.repo.Get(context.Background(), role, id)
	require.NoError(t, err)
	return msg
}
