package exchange

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-exchange/pkg/store"
	"github.com/zoff-tech/go-exchange/pkg/telemetry"
)

type recordingNotifier struct {
	msgs   []*store.Message
	causes []error
	err    error
}

func (n *recordingNotifier) NotifyDeadLetter(_ context.Context, msg *store.Message, cause error) error {
	n.msgs = append(n.msgs, msg)
	n.causes = append(n.causes, cause)
	return n.err
}

func TestCompleteMarksCompletedAndReleasesLock(t *testing.T) {
	f := newFixture(t)
	m := f.enqueue(t, store.RoleOutbox, "m-1", "case-1")
	msg := f.claim(t, store.RoleOutbox, "w1")

	f.clock.Advance(time.Second)
	require.NoError(t, f.tracker.Complete(context.Background(), msg))

	done := f.get(t, store.RoleOutbox, m.ID)
	assert.Equal(t, store.StatusCompleted, done.Status)
	assert.Empty(t, done.ClaimedBy)
	assert.Nil(t, done.ClaimExpiresAt)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, t0.Add(time.Second), *done.CompletedAt)
	assert.NoError(t, done.CheckInvariants())
	assert.False(t, f.locked(t, "case-1", store.RoleOutbox))
}

func TestCompleteAfterReclaimReturnsLeaseLost(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, store.RoleOutbox, "m-1", "case-1")
	stale, err := f.claims.ClaimNext(context.Background(), store.RoleOutbox, "w1", time.Second)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Second)
	_, err = f.sweeper.Sweep(context.Background(), store.RoleOutbox)
	require.NoError(t, err)

	fresh := f.claim(t, store.RoleOutbox, "w2")
	require.NotNil(t, fresh)

	err = f.tracker.Complete(context.Background(), stale)
	assert.ErrorIs(t, err, ErrLeaseLost)
	// w2 keeps both its claim and its lock
	assert.Equal(t, "w2", f.get(t, store.RoleOutbox, fresh.ID).ClaimedBy)
	assert.True(t, f.locked(t, "case-1", store.RoleOutbox))

	err = f.tracker.Fail(context.Background(), stale, assert.AnError)
	assert.ErrorIs(t, err, ErrLeaseLost)
	assert.Equal(t, 0, f.get(t, store.RoleOutbox, fresh.ID).CompletionAttempts)
}

func TestCompleteTwiceReturnsLeaseLost(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, store.RoleInbox, "m-1", "case-1")
	msg := f.claim(t, store.RoleInbox, "w1")

	require.NoError(t, f.tracker.Complete(context.Background(), msg))
	assert.ErrorIs(t, f.tracker.Complete(context.Background(), msg), ErrLeaseLost)
}

func TestFailSchedulesRetry(t *testing.T) {
	f := newFixture(t)
	m := f.enqueue(t, store.RoleOutbox, "m-1", "case-1")
	msg := f.claim(t, store.RoleOutbox, "w1")

	f.clock.Advance(time.Second)
	require.NoError(t, f.tracker.Fail(context.Background(), msg, errors.New("broker unavailable")))

	retried := f.get(t, store.RoleOutbox, m.ID)
	assert.Equal(t, store.StatusPending, retried.Status)
	assert.Equal(t, 1, retried.CompletionAttempts)
	assert.Equal(t, "broker unavailable", retried.LastError)
	assert.Equal(t, t0, retried.Date)
	require.NotNil(t, retried.NextAttemptAt)
	assert.Equal(t, t0.Add(2*time.Second), *retried.NextAttemptAt)
	assert.NoError(t, retried.CheckInvariants())
	assert.False(t, f.locked(t, "case-1", store.RoleOutbox))
}

func TestFailWithoutBackoffIsImmediatelyEligible(t *testing.T) {
	f := newFixture(t)
	f.opts.RetryBackoff = 0
	tracker := NewCompletionTracker(f.store, f.opts)
	m := f.enqueue(t, store.RoleOutbox, "m-1", "case-1")

	require.NoError(t, tracker.Fail(context.Background(), f.claim(t, store.RoleOutbox, "w1"), assert.AnError))
	assert.Nil(t, f.get(t, store.RoleOutbox, m.ID).NextAttemptAt)
	assert.NotNil(t, f.claim(t, store.RoleOutbox, "w1"))
}

func TestFailExhaustsAttemptsIntoDeadLetter(t *testing.T) {
	f := newFixture(t)
	reg := prometheus.NewRegistry()
	f.opts.Metrics = telemetry.NewMetrics(reg)
	notifier := &recordingNotifier{err: errors.New("topic missing")}
	tracker := NewCompletionTracker(f.store, f.opts).WithDeadLetterNotifier(notifier)
	m := f.enqueue(t, store.RoleOutbox, "m-1", "case-1")
	cause := errors.New("rejected")

	var last error
	for i := 0; i < f.opts.MaxAttempts; i++ {
		msg := f.claim(t, store.RoleOutbox, "w1")
		require.NotNil(t, msg)
		last = tracker.Fail(context.Background(), msg, cause)
		f.clock.Advance(time.Hour)
	}

	assert.ErrorIs(t, last, ErrPoisonMessage)
	assert.ErrorIs(t, last, cause)

	dead := f.get(t, store.RoleOutbox, m.ID)
	assert.Equal(t, store.StatusFailed, dead.Status)
	assert.Equal(t, f.opts.MaxAttempts, dead.CompletionAttempts)
	assert.NoError(t, dead.CheckInvariants())
	assert.False(t, f.locked(t, "case-1", store.RoleOutbox))

	require.Len(t, notifier.msgs, 1)
	assert.Equal(t, m.ID, notifier.msgs[0].ID)
	assert.Same(t, cause, notifier.causes[0])

	expected := `
# HELP exchange_dead_letter_total Total number of messages that entered FAILED state.
# TYPE exchange_dead_letter_total counter
exchange_dead_letter_total{role="OUTBOX"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "exchange_dead_letter_total"))
}

func TestFailTruncatesLongErrors(t *testing.T) {
	f := newFixture(t)
	m := f.enqueue(t, store.RoleInbox, "m-1", "case-1")

	require.NoError(t, f.tracker.Fail(context.Background(), f.claim(t, store.RoleInbox, "w1"), errors.New(strings.Repeat("x", 5000))))
	assert.Len(t, f.get(t, store.RoleInbox, m.ID).LastError, 2048)
}

func TestRetryDelay(t *testing.T) {
	maxBackoff := 60 * time.Second
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{attempts: 0, want: 0},
		{attempts: 1, want: 1 * time.Second},
		{attempts: 2, want: 2 * time.Second},
		{attempts: 3, want: 4 * time.Second},
		{attempts: 7, want: 60 * time.Second},
		{attempts: 5000, want: 60 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, RetryDelay(tc.attempts, time.Second, maxBackoff), "attempts=%d", tc.attempts)
	}
	assert.Zero(t, RetryDelay(3, 0, maxBackoff))
}
