package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var messageRowColumns = []string{
	"id", "message_id", "correlation_key", "type", "source", "payload", "status", "claimed_by",
	"claim_expires_at", "completion_attempts", "publication_date", "next_attempt_at", "last_error",
	"updated_at", "completed_at",
}

func newPostgresMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresRepository(db), mock
}

func exact(query string) string {
	return regexp.QuoteMeta(query)
}

func TestPostgresInsert(t *testing.T) {
	repo, mock := newPostgresMock(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msg := NewMessage(RoleOutbox, "m-1", "case-1", "case.created", "cases", []byte(`{"a":1}`), now)

	mock.ExpectExec(exact(repo.queries[RoleOutbox].insert)).
		WithArgs(msg.ID, "m-1", "case-1", "case.created", "cases", []byte(`{"a":1}`), StatusPending,
			nil, nil, 0, now, nil, "", now, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Insert(context.Background(), msg)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertDuplicate(t *testing.T) {
	repo, mock := newPostgresMock(t)
	msg := NewMessage(RoleInbox, "m-1", "case-1", "case.created", "", nil, time.Now())

	mock.ExpectExec(exact(repo.queries[RoleInbox].insert)).
		WillReturnError(&pq.Error{Code: uniqueViolation})

	err := repo.Insert(context.Background(), msg)
	assert.ErrorIs(t, err, ErrDuplicateMessage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertWithinTransaction(t *testing.T) {
	repo, mock := newPostgresMock(t)
	msg := NewMessage(RoleOutbox, "m-1", "case-1", "case.created", "", nil, time.Now())

	mock.ExpectBegin()
	mock.ExpectExec(exact(repo.queries[RoleOutbox].insert)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := repo.db.Begin()
	require.NoError(t, err)
	require.NoError(t, repo.Insert(WithTx(context.Background(), tx), msg))
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFetchCandidates(t *testing.T) {
	repo, mock := newPostgresMock(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(messageRowColumns).
		AddRow("id-1", "m-1", "case-1", "case.created", "cases", []byte("p1"), "PENDING", nil, nil, 0, now, nil, "", now, nil).
		AddRow("id-2", "m-2", "case-2", "case.created", "cases", []byte("p2"), "PENDING", nil, nil, 2, now, now, "boom", now, nil)
	mock.ExpectQuery(exact(repo.queries[RoleOutbox].candidates)).
		WithArgs(now, 10).
		WillReturnRows(rows)

	msgs, err := repo.FetchCandidates(context.Background(), RoleOutbox, now, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "id-1", msgs[0].ID)
	assert.Equal(t, RoleOutbox, msgs[0].Role)
	assert.Equal(t, StatusPending, msgs[0].Status)
	assert.Nil(t, msgs[0].NextAttemptAt)
	assert.Equal(t, 2, msgs[1].CompletionAttempts)
	require.NotNil(t, msgs[1].NextAttemptAt)
	assert.Equal(t, "boom", msgs[1].LastError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClaim(t *testing.T) {
	repo, mock := newPostgresMock(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	expires := now.Add(time.Minute)

	rows := sqlmock.NewRows(messageRowColumns).
		AddRow("id-1", "m-1", "case-1", "case.created", "", []byte("p"), "CLAIMED", "w1", expires, 0, now, nil, "", now, nil)
	mock.ExpectQuery(exact(repo.queries[RoleOutbox].claim)).
		WithArgs("id-1", "w1", expires, now).
		WillReturnRows(rows)

	msg, err := repo.Claim(context.Background(), RoleOutbox, "id-1", "w1", expires, now)
	require.NoError(t, err)
	assert.Equal(t, StatusClaimed, msg.Status)
	assert.Equal(t, "w1", msg.ClaimedBy)
	assert.NoError(t, msg.CheckInvariants())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClaimConflict(t *testing.T) {
	repo, mock := newPostgresMock(t)
	now := time.Now()
	q := repo.queries[RoleOutbox]

	mock.ExpectQuery(exact(q.claim)).WillReturnRows(sqlmock.NewRows(messageRowColumns))
	mock.ExpectQuery(exact(q.exists)).WithArgs("id-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := repo.Claim(context.Background(), RoleOutbox, "id-1", "w1", now.Add(time.Minute), now)
	assert.ErrorIs(t, err, ErrClaimConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCompleteNotFound(t *testing.T) {
	repo, mock := newPostgresMock(t)
	q := repo.queries[RoleInbox]

	mock.ExpectQuery(exact(q.complete)).WillReturnRows(sqlmock.NewRows(messageRowColumns))
	mock.ExpectQuery(exact(q.exists)).WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := repo.Complete(context.Background(), RoleInbox, "missing", "w1", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFailChecksExpectedAttempts(t *testing.T) {
	repo, mock := newPostgresMock(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	next := now.Add(2 * time.Second)

	rows := sqlmock.NewRows(messageRowColumns).
		AddRow("id-1", "m-1", "case-1", "t", "", []byte("p"), "PENDING", nil, nil, 2, now, next, "boom", now, nil)
	mock.ExpectQuery(exact(repo.queries[RoleOutbox].fail)).
		WithArgs("id-1", "w1", StatusPending, next, "boom", now, 1).
		WillReturnRows(rows)

	msg, err := repo.Fail(context.Background(), RoleOutbox, "id-1", "w1", Failure{
		ExpectedAttempts: 1,
		Status:           StatusPending,
		NextAttemptAt:    &next,
		LastError:        "boom",
		Now:              now,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, msg.CompletionAttempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFailRejectsInvalidStatus(t *testing.T) {
	repo, mock := newPostgresMock(t)

	_, err := repo.Fail(context.Background(), RoleOutbox, "id-1", "w1", Failure{Status: StatusCompleted})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresHasLiveClaim(t *testing.T) {
	repo, mock := newPostgresMock(t)
	now := time.Now()

	mock.ExpectQuery(exact(repo.queries[RoleOutbox].liveClaim)).WithArgs("case-1", now).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	live, err := repo.HasLiveClaim(context.Background(), RoleOutbox, "case-1", now)
	require.NoError(t, err)
	assert.True(t, live)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTryAcquire(t *testing.T) {
	repo, mock := newPostgresMock(t)
	now := time.Now()

	mock.ExpectExec(exact(acquireLockQuery)).
		WithArgs("OUTBOX/case-1", "case-1", RoleOutbox, "w1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(exact(acquireLockQuery)).
		WithArgs("OUTBOX/case-1", "case-1", RoleOutbox, "w2", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	lock, err := repo.TryAcquire(context.Background(), "case-1", RoleOutbox, "w1", now)
	require.NoError(t, err)
	assert.True(t, lock.Locked)
	assert.Equal(t, "w1", lock.Owner)

	_, err = repo.TryAcquire(context.Background(), "case-1", RoleOutbox, "w2", now)
	assert.ErrorIs(t, err, ErrLockDenied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRelease(t *testing.T) {
	repo, mock := newPostgresMock(t)

	mock.ExpectExec(exact(releaseLockQuery)).
		WithArgs("INBOX/case-1", "w1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, repo.Release(context.Background(), "case-1", RoleInbox, "w1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFetchStaleWithoutLimit(t *testing.T) {
	repo, mock := newPostgresMock(t)
	cutoff := time.Now()
	lockedAt := cutoff.Add(-time.Hour)

	mock.ExpectQuery(exact(staleLocksQuery)).
		WithArgs(RoleOutbox, cutoff, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id", "segregation_ref", "actor", "locked", "owner", "locked_at"}).
			AddRow("OUTBOX/case-1", "case-1", "OUTBOX", true, "w1", lockedAt))

	locks, err := repo.FetchStale(context.Background(), RoleOutbox, cutoff, 0)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, RoleOutbox, locks[0].Actor)
	assert.True(t, locks[0].Stale(cutoff))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEnsureSchema(t *testing.T) {
	repo, mock := newPostgresMock(t)

	for range PostgresSchema() {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	assert.NoError(t, repo.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
