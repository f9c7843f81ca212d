package store

import "errors"

var (
	// ErrNotFound is returned when no record matches the lookup.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateMessage is returned when a messageId already exists for the role.
	ErrDuplicateMessage = errors.New("duplicate message id")
	// ErrClaimConflict signals that a conditional write lost the race: the record
	// was no longer in the expected state. It is a control-flow signal, not a failure.
	ErrClaimConflict = errors.New("claim conflict")
	// ErrLockDenied is returned by TryAcquire when another worker holds the lock.
	ErrLockDenied = errors.New("fifo lock denied")
	// ErrInvalidTransition is returned when a requested status change is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
)
