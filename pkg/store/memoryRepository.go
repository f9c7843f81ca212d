package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRepository keeps messages and locks in process memory. Each method holds
// the repository mutex for its whole duration, which makes every conditional
// write atomic exactly like a single-document update in the real stores.
type MemoryRepository struct {
	mu       sync.Mutex
	messages map[Role]map[string]*Message
	byMsgID  map[Role]map[string]string
	locks    map[string]*FifoLock
}

var (
	_ MessageStore = (*MemoryRepository)(nil)
	_ LockRegistry = (*MemoryRepository)(nil)
)

// NewMemoryRepository creates an empty in-memory store.
func NewMemoryRepository() *MemoryRepository {
	m := &MemoryRepository{
		messages: make(map[Role]map[string]*Message),
		byMsgID:  make(map[Role]map[string]string),
		locks:    make(map[string]*FifoLock),
	}
	for _, r := range Roles {
		m.messages[r] = make(map[string]*Message)
		m.byMsgID[r] = make(map[string]string)
	}
	return m
}

func (m *MemoryRepository) Insert(ctx context.Context, msg *Message) error {
	if msg == nil {
		return fmt.Errorf("insert: nil message")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.messages[msg.Role]; !ok {
		return fmt.Errorf("insert: unknown role %q", msg.Role)
	}
	if _, ok := m.byMsgID[msg.Role][msg.MessageID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateMessage, msg.MessageID)
	}
	if _, ok := m.messages[msg.Role][msg.ID]; ok {
		return fmt.Errorf("%w: id %s", ErrDuplicateMessage, msg.ID)
	}
	m.messages[msg.Role][msg.ID] = msg.Clone()
	m.byMsgID[msg.Role][msg.MessageID] = msg.ID
	return nil
}

func (m *MemoryRepository) Get(ctx context.Context, role Role, id string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[role][id]
	if !ok {
		return nil, ErrNotFound
	}
	return msg.Clone(), nil
}

func (m *MemoryRepository) FetchCandidates(ctx context.Context, role Role, now time.Time, limit int) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	open := m.collect(role, 0, func(msg *Message) bool {
		return !msg.Status.IsTerminal()
	})
	seen := make(map[string]struct{}, len(open))
	var heads []*Message
	for _, msg := range open {
		if _, ok := seen[msg.CorrelationKey]; ok {
			continue
		}
		seen[msg.CorrelationKey] = struct{}{}
		if msg.Status == StatusPending && msg.Available(now) {
			heads = append(heads, msg)
		}
	}
	if limit > 0 && len(heads) > limit {
		heads = heads[:limit]
	}
	return heads, nil
}

func (m *MemoryRepository) Head(ctx context.Context, role Role, correlationKey string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	open := m.collect(role, 1, func(msg *Message) bool {
		return msg.CorrelationKey == correlationKey && !msg.Status.IsTerminal()
	})
	if len(open) == 0 {
		return nil, ErrNotFound
	}
	return open[0], nil
}

func (m *MemoryRepository) Claim(ctx context.Context, role Role, id, workerID string, expiresAt, now time.Time) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[role][id]
	if !ok {
		return nil, ErrNotFound
	}
	if msg.Status != StatusPending {
		return nil, fmt.Errorf("%w: message %s is %s", ErrClaimConflict, id, msg.Status)
	}
	msg.Status = StatusClaimed
	msg.ClaimedBy = workerID
	msg.ClaimExpiresAt = &expiresAt
	msg.UpdatedAt = now
	return msg.Clone(), nil
}

func (m *MemoryRepository) Complete(ctx context.Context, role Role, id, workerID string, now time.Time) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, err := m.heldBy(role, id, workerID)
	if err != nil {
		return nil, err
	}
	msg.Status = StatusCompleted
	msg.ClaimedBy = ""
	msg.ClaimExpiresAt = nil
	msg.NextAttemptAt = nil
	msg.UpdatedAt = now
	msg.CompletedAt = &now
	return msg.Clone(), nil
}

func (m *MemoryRepository) Fail(ctx context.Context, role Role, id, workerID string, f Failure) (*Message, error) {
	if f.Status != StatusPending && f.Status != StatusFailed {
		return nil, fmt.Errorf("%w: CLAIMED -> %s on failure", ErrInvalidTransition, f.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, err := m.heldBy(role, id, workerID)
	if err != nil {
		return nil, err
	}
	if msg.CompletionAttempts != f.ExpectedAttempts {
		return nil, fmt.Errorf("%w: message %s attempts changed", ErrClaimConflict, id)
	}
	msg.Status = f.Status
	msg.CompletionAttempts++
	msg.ClaimedBy = ""
	msg.ClaimExpiresAt = nil
	msg.NextAttemptAt = cloneTime(f.NextAttemptAt)
	msg.LastError = truncateError(f.LastError)
	msg.UpdatedAt = f.Now
	return msg.Clone(), nil
}

func (m *MemoryRepository) FetchExpired(ctx context.Context, role Role, now time.Time, limit int) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.collect(role, limit, func(msg *Message) bool {
		return msg.LeaseExpired(now)
	}), nil
}

func (m *MemoryRepository) ReclaimExpired(ctx context.Context, role Role, id, claimedBy string, now time.Time) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, err := m.heldBy(role, id, claimedBy)
	if err != nil {
		return nil, err
	}
	if !msg.LeaseExpired(now) {
		return nil, fmt.Errorf("%w: message %s lease is not expired", ErrClaimConflict, id)
	}
	msg.Status = StatusPending
	msg.ClaimedBy = ""
	msg.ClaimExpiresAt = nil
	msg.UpdatedAt = now
	return msg.Clone(), nil
}

func (m *MemoryRepository) HasLiveClaim(ctx context.Context, role Role, correlationKey string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range m.messages[role] {
		if msg.CorrelationKey == correlationKey && msg.Status == StatusClaimed && !msg.LeaseExpired(now) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryRepository) ListFailed(ctx context.Context, role Role, limit int) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.collect(role, limit, func(msg *Message) bool {
		return msg.Status == StatusFailed
	}), nil
}

func (m *MemoryRepository) Requeue(ctx context.Context, role Role, id string, now time.Time) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[role][id]
	if !ok {
		return nil, ErrNotFound
	}
	if msg.Status != StatusFailed {
		return nil, fmt.Errorf("%w: message %s is %s", ErrClaimConflict, id, msg.Status)
	}
	msg.Status = StatusPending
	msg.CompletionAttempts = 0
	msg.NextAttemptAt = nil
	msg.UpdatedAt = now
	return msg.Clone(), nil
}

func (m *MemoryRepository) TryAcquire(ctx context.Context, segregationRef string, actor Role, owner string, now time.Time) (*FifoLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := LockID(segregationRef, actor)
	lock, ok := m.locks[id]
	if ok && lock.Locked {
		return nil, fmt.Errorf("%w: %s held by %s", ErrLockDenied, id, lock.Owner)
	}
	lock = &FifoLock{
		ID:             id,
		SegregationRef: segregationRef,
		Actor:          actor,
		Locked:         true,
		Owner:          owner,
		LockedAt:       &now,
	}
	m.locks[id] = lock
	return lock.clone(), nil
}

func (m *MemoryRepository) Release(ctx context.Context, segregationRef string, actor Role, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[LockID(segregationRef, actor)]
	if !ok || !lock.Locked {
		return nil
	}
	if owner != "" && lock.Owner != owner {
		return nil
	}
	lock.Locked = false
	lock.Owner = ""
	lock.LockedAt = nil
	return nil
}

func (m *MemoryRepository) GetLock(ctx context.Context, segregationRef string, actor Role) (*FifoLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[LockID(segregationRef, actor)]
	if !ok {
		return nil, ErrNotFound
	}
	return lock.clone(), nil
}

func (m *MemoryRepository) FetchStale(ctx context.Context, actor Role, lockedBefore time.Time, limit int) ([]*FifoLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*FifoLock
	for _, lock := range m.locks {
		if lock.Actor == actor && lock.Stale(lockedBefore) {
			out = append(out, lock.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LockedAt.Before(*out[j].LockedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) heldBy(role Role, id, workerID string) (*Message, error) {
	msg, ok := m.messages[role][id]
	if !ok {
		return nil, ErrNotFound
	}
	if msg.Status != StatusClaimed || msg.ClaimedBy != workerID {
		return nil, fmt.Errorf("%w: message %s is %s by %q", ErrClaimConflict, id, msg.Status, msg.ClaimedBy)
	}
	return msg, nil
}

// collect returns clones of the matching messages in candidate order.
func (m *MemoryRepository) collect(role Role, limit int, match func(*Message) bool) []*Message {
	var out []*Message
	for _, msg := range m.messages[role] {
		if match(msg) {
			out = append(out, msg.Clone())
		}
	}
	SortCandidates(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// SortCandidates orders messages by date, then attempts, then insertion order.
func SortCandidates(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if a.CompletionAttempts != b.CompletionAttempts {
			return a.CompletionAttempts < b.CompletionAttempts
		}
		return a.ID < b.ID
	})
}
