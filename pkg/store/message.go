package store

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies one of the two independent message pipelines.
type Role string

const (
	RoleOutbox Role = "OUTBOX"
	RoleInbox  Role = "INBOX"
)

// Roles lists every pipeline in a stable order.
var Roles = []Role{RoleOutbox, RoleInbox}

// ParseRole accepts the role name in any case ("outbox", "INBOX").
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToUpper(strings.TrimSpace(raw))) {
	case RoleOutbox:
		return RoleOutbox, nil
	case RoleInbox:
		return RoleInbox, nil
	default:
		return "", fmt.Errorf("unknown role: %q", raw)
	}
}

// Collection returns the collection (or table) holding the role's messages.
func (r Role) Collection() string {
	if r == RoleInbox {
		return "inbox"
	}
	return "outbox"
}

// DateField returns the name of the field that orders messages of the role.
func (r Role) DateField() string {
	if r == RoleInbox {
		return "receivedDate"
	}
	return "publicationDate"
}

func (r Role) String() string { return string(r) }

// Status represents the lifecycle state of a message.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusClaimed   Status = "CLAIMED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// IsValid reports whether the status is part of the message lifecycle.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusClaimed, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no worker will ever pick the message up again.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether a transition from s to next is allowed.
// FAILED -> PENDING is reserved for operator requeue.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusClaimed
	case StatusClaimed:
		return next == StatusCompleted || next == StatusPending || next == StatusFailed
	case StatusFailed:
		return next == StatusPending
	default:
		return false
	}
}

// Message is one record of the outbox or inbox collection.
type Message struct {
	ID                 string
	Role               Role
	MessageID          string
	CorrelationKey     string
	Type               string
	Source             string
	Payload            []byte
	Status             Status
	ClaimedBy          string
	ClaimExpiresAt     *time.Time
	CompletionAttempts int
	// Date is the publicationDate (outbox) or receivedDate (inbox).
	Date          time.Time
	NextAttemptAt *time.Time
	LastError     string
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

// NewMessage builds a PENDING message stamped with now.
func NewMessage(role Role, messageID, correlationKey, eventType, source string, payload []byte, now time.Time) *Message {
	return &Message{
		ID:             NewID(),
		Role:           role,
		MessageID:      messageID,
		CorrelationKey: correlationKey,
		Type:           eventType,
		Source:         source,
		Payload:        payload,
		Status:         StatusPending,
		Date:           now,
		UpdatedAt:      now,
	}
}

// IsClaimed reports whether the message currently carries a lease.
func (m *Message) IsClaimed() bool {
	return m.Status == StatusClaimed
}

// Available reports whether a PENDING message is past its retry backoff.
func (m *Message) Available(now time.Time) bool {
	return m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)
}

// LeaseExpired reports whether a CLAIMED message has outlived its lease.
func (m *Message) LeaseExpired(now time.Time) bool {
	return m.Status == StatusClaimed && m.ClaimExpiresAt != nil && m.ClaimExpiresAt.Before(now)
}

// CheckInvariants verifies that the claim fields agree with the status.
func (m *Message) CheckInvariants() error {
	if !m.Status.IsValid() {
		return fmt.Errorf("message %s: invalid status %q", m.ID, m.Status)
	}
	claimed := m.ClaimedBy != "" && m.ClaimExpiresAt != nil
	unclaimed := m.ClaimedBy == "" && m.ClaimExpiresAt == nil
	if m.Status == StatusClaimed && !claimed {
		return fmt.Errorf("message %s: CLAIMED without claimedBy/claimExpiresAt", m.ID)
	}
	if m.Status != StatusClaimed && !unclaimed {
		return fmt.Errorf("message %s: %s with claim fields set", m.ID, m.Status)
	}
	if m.CompletionAttempts < 0 {
		return fmt.Errorf("message %s: negative completionAttempts", m.ID)
	}
	return nil
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Payload != nil {
		c.Payload = append([]byte(nil), m.Payload...)
	}
	c.ClaimExpiresAt = cloneTime(m.ClaimExpiresAt)
	c.NextAttemptAt = cloneTime(m.NextAttemptAt)
	c.CompletedAt = cloneTime(m.CompletedAt)
	return &c
}

// Failure carries the outcome of a failed attempt decided by the completion tracker.
type Failure struct {
	// ExpectedAttempts is the completionAttempts value observed at claim time.
	ExpectedAttempts int
	// Status is StatusPending (retry) or StatusFailed (dead-lettered).
	Status        Status
	NextAttemptAt *time.Time
	LastError     string
	Now           time.Time
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
