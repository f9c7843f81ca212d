package store

import (
	"context"
	"time"
)

// MessageStore defines the persistence operations for messages of both roles.
// Every mutating method is a single-record compare-and-swap keyed on the expected
// prior state; a lost race surfaces as ErrClaimConflict.
type MessageStore interface {
	// Insert stores a new PENDING message. A messageId already present for the
	// role yields ErrDuplicateMessage.
	Insert(ctx context.Context, msg *Message) error
	// Get returns the message by id or ErrNotFound.
	Get(ctx context.Context, role Role, id string) (*Message, error)
	// FetchCandidates lists claimable key heads: for each correlation key whose
	// oldest open (PENDING or CLAIMED) message is PENDING and past its backoff,
	// that message. At most one message per key; oldest first, then fewest
	// attempts first, then insertion order.
	FetchCandidates(ctx context.Context, role Role, now time.Time, limit int) ([]*Message, error)
	// Head returns the oldest PENDING or CLAIMED message of the correlation key,
	// or ErrNotFound when the key has no open work.
	Head(ctx context.Context, role Role, correlationKey string) (*Message, error)
	// Claim moves a PENDING message to CLAIMED for workerID until expiresAt.
	Claim(ctx context.Context, role Role, id, workerID string, expiresAt, now time.Time) (*Message, error)
	// Complete moves a message CLAIMED by workerID to COMPLETED.
	Complete(ctx context.Context, role Role, id, workerID string, now time.Time) (*Message, error)
	// Fail records a failed attempt of a message CLAIMED by workerID: the attempt
	// counter is incremented and the status set to f.Status.
	Fail(ctx context.Context, role Role, id, workerID string, f Failure) (*Message, error)
	// FetchExpired lists CLAIMED messages whose lease ended before now.
	FetchExpired(ctx context.Context, role Role, now time.Time, limit int) ([]*Message, error)
	// ReclaimExpired moves a message CLAIMED by claimedBy whose lease ended before
	// now back to PENDING without touching completionAttempts.
	ReclaimExpired(ctx context.Context, role Role, id, claimedBy string, now time.Time) (*Message, error)
	// HasLiveClaim reports whether the key has a CLAIMED message with an unexpired lease.
	HasLiveClaim(ctx context.Context, role Role, correlationKey string, now time.Time) (bool, error)
	// ListFailed lists dead-lettered messages, oldest first.
	ListFailed(ctx context.Context, role Role, limit int) ([]*Message, error)
	// Requeue moves a FAILED message back to PENDING and resets its attempts.
	// This is the operator remediation path.
	Requeue(ctx context.Context, role Role, id string, now time.Time) (*Message, error)
}

// LockRegistry defines the operations of the per-key FIFO lock registry.
type LockRegistry interface {
	// TryAcquire atomically locks (segregationRef, actor) for owner if the lock is
	// absent or released. Losers receive ErrLockDenied.
	TryAcquire(ctx context.Context, segregationRef string, actor Role, owner string, now time.Time) (*FifoLock, error)
	// Release unlocks (segregationRef, actor). A non-empty owner makes the release
	// conditional on the holder. Releasing a released lock is a no-op.
	Release(ctx context.Context, segregationRef string, actor Role, owner string) error
	// GetLock returns the lock or ErrNotFound.
	GetLock(ctx context.Context, segregationRef string, actor Role) (*FifoLock, error)
	// FetchStale lists locks of actor held since before lockedBefore.
	FetchStale(ctx context.Context, actor Role, lockedBefore time.Time, limit int) ([]*FifoLock, error)
}

// Store bundles the shared resources of the exchange with their lifecycle.
type Store struct {
	Messages MessageStore
	Locks    LockRegistry

	closers []func(context.Context) error
}

// NewStore assembles a store; closers run in reverse order on Close.
func NewStore(messages MessageStore, locks LockRegistry, closers ...func(context.Context) error) *Store {
	return &Store{Messages: messages, Locks: locks, closers: closers}
}

// Close releases the underlying connections.
func (s *Store) Close(ctx context.Context) error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
