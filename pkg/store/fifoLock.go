package store

import "time"

// FifoLock guards one correlation key for one pipeline.
type FifoLock struct {
	ID             string
	SegregationRef string
	Actor          Role
	Locked         bool
	Owner          string
	LockedAt       *time.Time
}

// LockID derives the lock identity from (segregationRef, actor), so the inbox and
// outbox pipelines never contend for the same case.
func LockID(segregationRef string, actor Role) string {
	return string(actor) + "/" + segregationRef
}

// Stale reports whether the lock has been held since before cutoff.
func (l *FifoLock) Stale(cutoff time.Time) bool {
	return l.Locked && l.LockedAt != nil && l.LockedAt.Before(cutoff)
}

func (l *FifoLock) clone() *FifoLock {
	if l == nil {
		return nil
	}
	c := *l
	c.LockedAt = cloneTime(l.LockedAt)
	return &c
}
