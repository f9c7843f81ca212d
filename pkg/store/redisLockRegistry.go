package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisSystem    = "redis"
	redisKeyPrefix = "fifo_lock:"
	redisIdxPrefix = "fifo_locks:"
)

// acquireScript creates the lock hash only when it is absent and indexes it by
// acquisition time. KEYS: lock hash, actor index.
var acquireScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1], "segregationRef", ARGV[1], "actor", ARGV[2], "owner", ARGV[3], "lockedAt", ARGV[4])
redis.call("ZADD", KEYS[2], ARGV[5], ARGV[1])
return 1
`)

// releaseScript deletes the lock hash when ARGV[2] is empty or matches the owner.
var releaseScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
if ARGV[2] ~= "" and redis.call("HGET", KEYS[1], "owner") ~= ARGV[2] then
	return 0
end
redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[1])
return 1
`)

// RedisLockRegistry implements LockRegistry on Redis. A held lock is a hash; a
// released lock has no key at all, so GetLock on it returns ErrNotFound.
type RedisLockRegistry struct {
	client redis.UniversalClient
}

var _ LockRegistry = (*RedisLockRegistry)(nil)

func NewRedisLockRegistry(client redis.UniversalClient) *RedisLockRegistry {
	return &RedisLockRegistry{client: client}
}

func redisLockKey(segregationRef string, actor Role) string {
	return redisKeyPrefix + LockID(segregationRef, actor)
}

func redisActorIndex(actor Role) string {
	return redisIdxPrefix + string(actor)
}

func (r *RedisLockRegistry) TryAcquire(ctx context.Context, segregationRef string, actor Role, owner string, now time.Time) (lock *FifoLock, err error) {
	ctx, span := startDBSpan(ctx, redisSystem, "TryAcquire")
	defer func() { span.end(1, err) }()

	keys := []string{redisLockKey(segregationRef, actor), redisActorIndex(actor)}
	ok, err := acquireScript.Run(ctx, r.client, keys,
		segregationRef, string(actor), owner, now.UTC().Format(time.RFC3339Nano), now.UnixMilli()).Int()
	if err != nil {
		return nil, err
	}
	if ok == 0 {
		return nil, fmt.Errorf("%w: %s", ErrLockDenied, LockID(segregationRef, actor))
	}
	return &FifoLock{
		ID:             LockID(segregationRef, actor),
		SegregationRef: segregationRef,
		Actor:          actor,
		Locked:         true,
		Owner:          owner,
		LockedAt:       &now,
	}, nil
}

func (r *RedisLockRegistry) Release(ctx context.Context, segregationRef string, actor Role, owner string) (err error) {
	ctx, span := startDBSpan(ctx, redisSystem, "Release")
	defer func() { span.end(1, err) }()

	keys := []string{redisLockKey(segregationRef, actor), redisActorIndex(actor)}
	return releaseScript.Run(ctx, r.client, keys, segregationRef, owner).Err()
}

func (r *RedisLockRegistry) GetLock(ctx context.Context, segregationRef string, actor Role) (lock *FifoLock, err error) {
	ctx, span := startDBSpan(ctx, redisSystem, "GetLock")
	defer func() { span.end(1, err) }()

	fields, err := r.client.HGetAll(ctx, redisLockKey(segregationRef, actor)).Result()
	if err != nil {
		return nil, err
	}
	return decodeRedisLock(fields)
}

func (r *RedisLockRegistry) FetchStale(ctx context.Context, actor Role, lockedBefore time.Time, limit int) (locks []*FifoLock, err error) {
	ctx, span := startDBSpan(ctx, redisSystem, "FetchStale")
	defer func() { span.end(len(locks), err) }()

	by := &redis.ZRangeBy{Min: "-inf", Max: "(" + strconv.FormatInt(lockedBefore.UnixMilli(), 10)}
	if limit > 0 {
		by.Count = int64(limit)
	}
	refs, err := r.client.ZRangeByScore(ctx, redisActorIndex(actor), by).Result()
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(refs))
	for i, ref := range refs {
		cmds[i] = pipe.HGetAll(ctx, redisLockKey(ref, actor))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	for _, cmd := range cmds {
		lock, err := decodeRedisLock(cmd.Val())
		if errors.Is(err, ErrNotFound) {
			// released between the index scan and the read
			continue
		}
		if err != nil {
			return nil, err
		}
		locks = append(locks, lock)
	}
	return locks, nil
}

func decodeRedisLock(fields map[string]string) (*FifoLock, error) {
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	lockedAt, err := time.Parse(time.RFC3339Nano, fields["lockedAt"])
	if err != nil {
		return nil, fmt.Errorf("decode lock: %w", err)
	}
	actor := Role(fields["actor"])
	return &FifoLock{
		ID:             LockID(fields["segregationRef"], actor),
		SegregationRef: fields["segregationRef"],
		Actor:          actor,
		Locked:         true,
		Owner:          fields["owner"],
		LockedAt:       &lockedAt,
	}, nil
}
