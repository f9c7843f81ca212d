package exchange

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-exchange/pkg/store"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(at time.Time) *manualClock {
	return &manualClock{now: at}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	repo    *store.MemoryRepository
	store   *store.Store
	clock   *manualClock
	opts    Options
	claims  *ClaimManager
	tracker *CompletionTracker
	sweeper *Sweeper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithLocks(t, nil)
}

// newFixtureWithLocks keeps messages in memory and routes locking through locks;
// a nil registry uses the in-memory one.
func newFixtureWithLocks(t *testing.T, locks store.LockRegistry) *fixture {
	t.Helper()
	repo := store.NewMemoryRepository()
	if locks == nil {
		locks = repo
	}
	s := store.NewStore(repo, locks)
	clock := newManualClock(t0)
	opts := Options{
		BatchSize:      50,
		MaxAttempts:    3,
		RetryBackoff:   time.Second,
		MaxBackoff:     time.Minute,
		LockStaleAfter: time.Minute,
		SweepInterval:  time.Second,
		Clock:          clock,
	}
	return &fixture{
		repo:    repo,
		store:   s,
		clock:   clock,
		opts:    opts,
		claims:  NewClaimManager(s, opts),
		tracker: NewCompletionTracker(s, opts),
		sweeper: NewSweeper(s, store.Roles, opts),
	}
}

// enqueue stores a PENDING message created at the current fixture time.
func (f *fixture) enqueue(t *testing.T, role store.Role, messageID, key string) *store.Message {
	t.Helper()
	msg := store.NewMessage(role, messageID, key, "case.updated", "cases", []byte(`{}`), f.clock.Now())
	require.NoError(t, f.repo.Insert(context.Background(), msg))
	return msg
}

func (f *fixture) claim(t *testing.T, role store.Role, workerID string) *store.Message {
	t.Helper()
	msg, err := f.claims.ClaimNext(context.Background(), role, workerID, 30*time.Second)
	require.NoError(t, err)
	return msg
}

func (f *fixture) get(t *testing.T, role store.Role, id string) *store.Message {
	t.Helper()
	msg, err := f.repo.Get(context.Background(), role, id)
	require.NoError(t, err)
	return msg
}

func (f *fixture) locked(t *testing.T, key string, role store.Role) bool {
	t.Helper()
	lock, err := f.store.Locks.GetLock(context.Background(), key, role)
	if err != nil {
		require.ErrorIs(t, err, store.ErrNotFound)
		return false
	}
	return lock.Locked
}
