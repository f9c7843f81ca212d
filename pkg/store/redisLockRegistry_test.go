package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisLocks(t *testing.T) *RedisLockRegistry {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLockRegistry(client)
}

func TestRedisLockRegistryAcquireIsExclusive(t *testing.T) {
	locks := setupRedisLocks(t)
	ctx := context.Background()
	now := time.Now()

	lock, err := locks.TryAcquire(ctx, "case-1", RoleOutbox, "w1", now)
	require.NoError(t, err)
	assert.Equal(t, "OUTBOX/case-1", lock.ID)

	_, err = locks.TryAcquire(ctx, "case-1", RoleOutbox, "w2", now)
	assert.ErrorIs(t, err, ErrLockDenied)

	// the other pipeline has its own lock for the same key
	_, err = locks.TryAcquire(ctx, "case-1", RoleInbox, "w2", now)
	assert.NoError(t, err)
}

func TestRedisLockRegistryReleaseIsOwnerConditional(t *testing.T) {
	locks := setupRedisLocks(t)
	ctx := context.Background()
	now := time.Now()

	_, err := locks.TryAcquire(ctx, "case-1", RoleOutbox, "w1", now)
	require.NoError(t, err)

	require.NoError(t, locks.Release(ctx, "case-1", RoleOutbox, "w2"))
	held, err := locks.GetLock(ctx, "case-1", RoleOutbox)
	require.NoError(t, err)
	assert.Equal(t, "w1", held.Owner)
	assert.True(t, held.LockedAt.Equal(now))

	require.NoError(t, locks.Release(ctx, "case-1", RoleOutbox, "w1"))
	_, err = locks.GetLock(ctx, "case-1", RoleOutbox)
	assert.ErrorIs(t, err, ErrNotFound)

	// releasing twice is a no-op
	assert.NoError(t, locks.Release(ctx, "case-1", RoleOutbox, ""))

	_, err = locks.TryAcquire(ctx, "case-1", RoleOutbox, "w2", now)
	assert.NoError(t, err)
}

func TestRedisLockRegistryFetchStale(t *testing.T) {
	locks := setupRedisLocks(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	_, err := locks.TryAcquire(ctx, "old", RoleInbox, "w1", base)
	require.NoError(t, err)
	_, err = locks.TryAcquire(ctx, "older", RoleInbox, "w1", base.Add(-time.Minute))
	require.NoError(t, err)
	_, err = locks.TryAcquire(ctx, "fresh", RoleInbox, "w1", base.Add(time.Hour))
	require.NoError(t, err)
	_, err = locks.TryAcquire(ctx, "other-actor", RoleOutbox, "w1", base)
	require.NoError(t, err)

	stale, err := locks.FetchStale(ctx, RoleInbox, base.Add(time.Second), 0)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, "older", stale[0].SegregationRef)
	assert.Equal(t, "old", stale[1].SegregationRef)

	limited, err := locks.FetchStale(ctx, RoleInbox, base.Add(time.Second), 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	require.NoError(t, locks.Release(ctx, "older", RoleInbox, ""))
	stale, err = locks.FetchStale(ctx, RoleInbox, base.Add(time.Second), 0)
	require.NoError(t, err)
	assert.Len(t, stale, 1)
}
