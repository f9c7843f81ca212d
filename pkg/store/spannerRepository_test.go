package store

import (
	"testing"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSpannerMessage(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	expires := now.Add(time.Minute)

	row, err := spanner.NewRow(spannerMessageColumns, []interface{}{
		"id-1", "m-1", "case-1", "case.created", "cases", []byte("payload"), "CLAIMED",
		spanner.NullString{StringVal: "w1", Valid: true}, spanner.NullTime{Time: expires, Valid: true},
		int64(2), now, spanner.NullTime{}, "boom", now, spanner.NullTime{},
	})
	require.NoError(t, err)

	msg, err := decodeSpannerMessage(RoleInbox, row)
	require.NoError(t, err)
	assert.Equal(t, "id-1", msg.ID)
	assert.Equal(t, RoleInbox, msg.Role)
	assert.Equal(t, StatusClaimed, msg.Status)
	assert.Equal(t, "w1", msg.ClaimedBy)
	assert.Equal(t, &expires, msg.ClaimExpiresAt)
	assert.Equal(t, 2, msg.CompletionAttempts)
	assert.Nil(t, msg.NextAttemptAt)
	assert.Nil(t, msg.CompletedAt)
	assert.NoError(t, msg.CheckInvariants())
}

func TestDecodeSpannerLock(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	row, err := spanner.NewRow(spannerLockColumns, []interface{}{
		"OUTBOX/case-1", "case-1", "OUTBOX", true, "w1", spanner.NullTime{Time: now, Valid: true},
	})
	require.NoError(t, err)

	lock, err := decodeSpannerLock(row)
	require.NoError(t, err)
	assert.Equal(t, RoleOutbox, lock.Actor)
	assert.True(t, lock.Locked)
	assert.Equal(t, &now, lock.LockedAt)
}

func TestSpannerSelect(t *testing.T) {
	sql := spannerSelect(RoleOutbox, "status = @failed", spannerCandidateOrder, 5)
	assert.Contains(t, sql, "FROM outbox WHERE status = @failed")
	assert.Contains(t, sql, "ORDER BY message_date, completion_attempts, id")
	assert.Contains(t, sql, "LIMIT 5")

	assert.NotContains(t, spannerSelect(RoleInbox, "TRUE", "", 0), "LIMIT")
}

func TestSpannerHeadWhereExcludesKeysWithOlderOpenMessages(t *testing.T) {
	where := spannerHeadWhere(RoleInbox)
	assert.Contains(t, where, "NOT EXISTS (SELECT 1 FROM inbox o WHERE o.correlation_key = inbox.correlation_key")
	assert.Contains(t, where, "o.status IN (@pending, @claimed)")
	assert.Contains(t, where, "o.id < inbox.id")
}
