package store

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	role, err := ParseRole(" outbox ")
	require.NoError(t, err)
	assert.Equal(t, RoleOutbox, role)

	role, err = ParseRole("INBOX")
	require.NoError(t, err)
	assert.Equal(t, RoleInbox, role)

	_, err = ParseRole("sideways")
	assert.Error(t, err)
}

func TestRoleNaming(t *testing.T) {
	assert.Equal(t, "outbox", RoleOutbox.Collection())
	assert.Equal(t, "inbox", RoleInbox.Collection())
	assert.Equal(t, "publicationDate", RoleOutbox.DateField())
	assert.Equal(t, "receivedDate", RoleInbox.DateField())
	assert.Equal(t, "INBOX/case-1", LockID("case-1", RoleInbox))
}

func TestStatusTransitions(t *testing.T) {
	allowed := map[Status][]Status{
		StatusPending:   {StatusClaimed},
		StatusClaimed:   {StatusCompleted, StatusPending, StatusFailed},
		StatusFailed:    {StatusPending},
		StatusCompleted: nil,
	}
	all := []Status{StatusPending, StatusClaimed, StatusCompleted, StatusFailed}

	for from, targets := range allowed {
		for _, to := range all {
			assert.Equal(t, contains(targets, to), from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
	assert.False(t, Status("LOST").IsValid())
	assert.True(t, StatusFailed.IsTerminal())
	assert.False(t, StatusClaimed.IsTerminal())
}

func contains(statuses []Status, s Status) bool {
	for _, v := range statuses {
		if v == s {
			return true
		}
	}
	return false
}

func TestMessageAvailability(t *testing.T) {
	now := time.Now()
	msg := NewMessage(RoleOutbox, "m-1", "case-1", "t", "", nil, now)
	assert.True(t, msg.Available(now))

	later := now.Add(time.Second)
	msg.NextAttemptAt = &later
	assert.False(t, msg.Available(now))
	assert.True(t, msg.Available(later))
}

func TestMessageCheckInvariants(t *testing.T) {
	now := time.Now()
	msg := NewMessage(RoleOutbox, "m-1", "case-1", "t", "", nil, now)
	assert.NoError(t, msg.CheckInvariants())

	msg.Status = StatusClaimed
	assert.Error(t, msg.CheckInvariants())

	msg.ClaimedBy = "w1"
	msg.ClaimExpiresAt = &now
	assert.NoError(t, msg.CheckInvariants())
	assert.False(t, msg.LeaseExpired(now))
	assert.True(t, msg.LeaseExpired(now.Add(time.Nanosecond)))

	msg.Status = StatusPending
	assert.Error(t, msg.CheckInvariants())
}

func TestNewIDIsTimeOrdered(t *testing.T) {
	prev := NewID()
	for i := 0; i < 100; i++ {
		id := NewID()
		assert.Less(t, prev, id)
		parsed, err := uuid.Parse(id)
		require.NoError(t, err)
		assert.Equal(t, uuid.Version(7), parsed.Version())
		prev = id
	}
}
