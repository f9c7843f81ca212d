package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const (
	postgresSystem  = "postgresql"
	uniqueViolation = "23505"
)

// PostgresRepository implements MessageStore and LockRegistry on PostgreSQL.
// Every transition is one conditional UPDATE ... RETURNING statement.
type PostgresRepository struct {
	db      *sql.DB
	queries map[Role]pgQueries
}

var (
	_ MessageStore = (*PostgresRepository)(nil)
	_ LockRegistry = (*PostgresRepository)(nil)
)

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	queries := make(map[Role]pgQueries, len(Roles))
	for _, role := range Roles {
		queries[role] = newPgQueries(role)
	}
	return &PostgresRepository{db: db, queries: queries}
}

type txKey struct{}

// WithTx returns a context that makes Insert run inside tx, so a message can be
// enqueued in the same transaction as the business change that produced it.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (p *PostgresRepository) executor(ctx context.Context) sqlExecutor {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok && tx != nil {
		return tx
	}
	return p.db
}

func dateColumn(role Role) string {
	if role == RoleInbox {
		return "received_date"
	}
	return "publication_date"
}

// pgQueries holds the statements of one role table.
type pgQueries struct {
	insert     string
	get        string
	candidates string
	head       string
	claim      string
	complete   string
	fail       string
	expired    string
	reclaim    string
	liveClaim  string
	failed     string
	requeue    string
	exists     string
}

func newPgQueries(role Role) pgQueries {
	table := role.Collection()
	date := dateColumn(role)
	cols := fmt.Sprintf("id, message_id, correlation_key, type, source, payload, status, claimed_by, "+
		"claim_expires_at, completion_attempts, %s, next_attempt_at, last_error, updated_at, completed_at", date)
	order := fmt.Sprintf("ORDER BY %s, completion_attempts, id", date)

	return pgQueries{
		insert: fmt.Sprintf("INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)",
			table, cols),
		get: fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", cols, table),
		candidates: fmt.Sprintf("SELECT %s FROM (SELECT DISTINCT ON (correlation_key) %s FROM %s "+
			"WHERE status IN ('PENDING', 'CLAIMED') ORDER BY correlation_key, %s, completion_attempts, id) heads "+
			"WHERE status = 'PENDING' AND (next_attempt_at IS NULL OR next_attempt_at <= $1) %s LIMIT $2",
			cols, cols, table, date, order),
		head: fmt.Sprintf("SELECT %s FROM %s WHERE correlation_key = $1 AND status IN ('PENDING', 'CLAIMED') %s LIMIT 1",
			cols, table, order),
		claim: fmt.Sprintf("UPDATE %s SET status = 'CLAIMED', claimed_by = $2, claim_expires_at = $3, updated_at = $4 "+
			"WHERE id = $1 AND status = 'PENDING' RETURNING %s", table, cols),
		complete: fmt.Sprintf("UPDATE %s SET status = 'COMPLETED', claimed_by = NULL, claim_expires_at = NULL, next_attempt_at = NULL, "+
			"updated_at = $3, completed_at = $3 WHERE id = $1 AND status = 'CLAIMED' AND claimed_by = $2 RETURNING %s", table, cols),
		fail: fmt.Sprintf("UPDATE %s SET status = $3, completion_attempts = completion_attempts + 1, claimed_by = NULL, "+
			"claim_expires_at = NULL, next_attempt_at = $4, last_error = $5, updated_at = $6 "+
			"WHERE id = $1 AND status = 'CLAIMED' AND claimed_by = $2 AND completion_attempts = $7 RETURNING %s", table, cols),
		expired: fmt.Sprintf("SELECT %s FROM %s WHERE status = 'CLAIMED' AND claim_expires_at < $1 ORDER BY claim_expires_at LIMIT $2",
			cols, table),
		reclaim: fmt.Sprintf("UPDATE %s SET status = 'PENDING', claimed_by = NULL, claim_expires_at = NULL, updated_at = $3 "+
			"WHERE id = $1 AND status = 'CLAIMED' AND claimed_by = $2 AND claim_expires_at < $3 RETURNING %s", table, cols),
		liveClaim: fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE correlation_key = $1 AND status = 'CLAIMED' AND claim_expires_at >= $2)",
			table),
		failed: fmt.Sprintf("SELECT %s FROM %s WHERE status = 'FAILED' %s LIMIT $1", cols, table, order),
		requeue: fmt.Sprintf("UPDATE %s SET status = 'PENDING', completion_attempts = 0, next_attempt_at = NULL, updated_at = $2 "+
			"WHERE id = $1 AND status = 'FAILED' RETURNING %s", table, cols),
		exists: fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)", table),
	}
}

const (
	lockColumns      = "id, segregation_ref, actor, locked, owner, locked_at"
	acquireLockQuery = "INSERT INTO fifo_locks (" + lockColumns + ") VALUES ($1, $2, $3, TRUE, $4, $5) " +
		"ON CONFLICT (id) DO UPDATE SET locked = TRUE, owner = EXCLUDED.owner, locked_at = EXCLUDED.locked_at " +
		"WHERE fifo_locks.locked = FALSE"
	releaseLockQuery = "UPDATE fifo_locks SET locked = FALSE, owner = '', locked_at = NULL " +
		"WHERE id = $1 AND locked = TRUE AND ($2 = '' OR owner = $2)"
	getLockQuery    = "SELECT " + lockColumns + " FROM fifo_locks WHERE id = $1"
	staleLocksQuery = "SELECT " + lockColumns + " FROM fifo_locks " +
		"WHERE actor = $1 AND locked = TRUE AND locked_at < $2 ORDER BY locked_at LIMIT $3"
)

// limitArg maps a non-positive limit to NULL, which Postgres treats as no limit.
func limitArg(limit int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(limit), Valid: limit > 0}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(role Role, row rowScanner) (*Message, error) {
	var (
		m              = &Message{Role: role}
		claimedBy      sql.NullString
		claimExpiresAt sql.NullTime
		nextAttemptAt  sql.NullTime
		completedAt    sql.NullTime
	)
	err := row.Scan(&m.ID, &m.MessageID, &m.CorrelationKey, &m.Type, &m.Source, &m.Payload, &m.Status,
		&claimedBy, &claimExpiresAt, &m.CompletionAttempts, &m.Date, &nextAttemptAt, &m.LastError,
		&m.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	m.ClaimedBy = claimedBy.String
	m.ClaimExpiresAt = timePtr(claimExpiresAt)
	m.NextAttemptAt = timePtr(nextAttemptAt)
	m.CompletedAt = timePtr(completedAt)
	return m, nil
}

func scanLock(row rowScanner) (*FifoLock, error) {
	var (
		l        FifoLock
		lockedAt sql.NullTime
	)
	if err := row.Scan(&l.ID, &l.SegregationRef, &l.Actor, &l.Locked, &l.Owner, &lockedAt); err != nil {
		return nil, err
	}
	l.LockedAt = timePtr(lockedAt)
	return &l, nil
}

func (p *PostgresRepository) q(role Role) (pgQueries, error) {
	q, ok := p.queries[role]
	if !ok {
		return pgQueries{}, fmt.Errorf("unknown role %q", role)
	}
	return q, nil
}

func (p *PostgresRepository) Insert(ctx context.Context, msg *Message) (err error) {
	ctx, span := startDBSpan(ctx, postgresSystem, "Insert")
	defer func() { span.end(1, err) }()

	q, err := p.q(msg.Role)
	if err != nil {
		return err
	}
	_, err = p.executor(ctx).ExecContext(ctx, q.insert,
		msg.ID, msg.MessageID, msg.CorrelationKey, msg.Type, msg.Source, msg.Payload, msg.Status,
		nullString(msg.ClaimedBy), nullTime(msg.ClaimExpiresAt), msg.CompletionAttempts, msg.Date,
		nullTime(msg.NextAttemptAt), msg.LastError, msg.UpdatedAt, nullTime(msg.CompletedAt))

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicateMessage, msg.MessageID)
	}
	return err
}

func (p *PostgresRepository) Get(ctx context.Context, role Role, id string) (msg *Message, err error) {
	ctx, span := startDBSpan(ctx, postgresSystem, "Get")
	defer func() { span.end(1, err) }()

	q, err := p.q(role)
	if err != nil {
		return nil, err
	}
	msg, err = scanMessage(role, p.db.QueryRowContext(ctx, q.get, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

func (p *PostgresRepository) FetchCandidates(ctx context.Context, role Role, now time.Time, limit int) (msgs []*Message, err error) {
	ctx, span := startDBSpan(ctx, postgresSystem, "FetchCandidates")
	defer func() { span.end(len(msgs), err) }()

	q, err := p.q(role)
	if err != nil {
		return nil, err
	}
	return p.list(ctx, role, q.candidates, now, limitArg(limit))
}

func (p *PostgresRepository) Head(ctx context.Context, role Role, correlationKey string) (msg *Message, err error) {
	ctx, span := startDBSpan(ctx, postgresSystem, "Head")
	defer func() { span.end(1, err) }()

	q, err := p.q(role)
	if err != nil {
		return nil, err
	}
	msg, err = scanMessage(role, p.db.QueryRowContext(ctx, q.head, correlationKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

func (p *PostgresRepository) Claim(ctx context.Context, role Role, id, workerID string, expiresAt, now time.Time) (msg *Message, err error) {
	ctx, span := startDBSpan(ctx, postgresSystem, "Claim")
	defer func() { span.end(1, err) }()

	q, err := p.q(role)
	if err != nil {
		return nil, err
	}
	return p.transition(ctx, role, q, id, q.claim, id, workerID, expiresAt, now)
}

func (p *PostgresRepository) Complete(ctx context.Context, role Role, id, workerID string, now time.Time) (msg *Message, err error) {
	ctx, span := startDBSpan(ctx, postgresSystem, "Complete")
	defer func() { span.end(1, err) }()

	q, err := p.q(role)
	if err != nil {
		return nil, err
	}
	return p.transition(ctx, role, q, id, q.complete, id, workerID, now)
}

func (p *PostgresRepository) Fail(ctx context.Context, role Role, id, workerID string, f Failure) (msg *Message, err error) {
	ctx, span := startDBSpan(ctx, postgresSystem, "Fail")
	defer func() { span.end(1, err) }()

	if f.Status != StatusPending && f.Status != StatusFailed {
		return nil, fmt.Errorf("%w: CLAIMED -> %s on failure", ErrInvalidTransition, f.Status)
	}
	q, err := p.q(role)
	if err != nil {
		return nil, err
	}
	return p.transition(ctx, role, q, id, q.fail,
		id, workerID, f.Status, nullTime(f.NextAttemptAt), truncateError(f.LastError), f.Now, f.ExpectedAttempts)
}

func (p *PostgresRepository) FetchExpired(ctx context.Context, role Role, now time.Time, limit int) (msgs []*Message, err error) {
	ctx, span := startDBSpan(ctx, postgresSystem, "FetchExpired")
	defer func() { span.end(len(msgs), err) }()

	q, err := p.q(role)
	if err != nil {
		return nil, err
	}
	return p.list(ctx, role, q.expired, now, limitArg(limit))
}

func (p *PostgresRepository) ReclaimExpired(ctx context.Context, role Role, id, claimedBy string, now time.Time) (msg *Message, err error) {
	ctx, span := startDBSpan(ctx, postgresSystem, "ReclaimExpired")
	defer func() { span.end(1, err) }()

	q, err := p.q(role)
	if err != nil {
		return nil, err
	}
	return p.transition(ctx, role, q, id, q.reclaim, id, claimedBy, now)
}

func (p *PostgresRepository) HasLiveClaim(ctx context.Context, role Role, correlationKey string, now time.Time) (live bool, err error) {
	ctx, span := startDBSpan(ctx, postgresSystem, "HasLiveClaim")
	defer func() { span.end(1, err) }()

	q, err := p.q(role)
	if err != nil {
		return false, err
	}
	err = p.db.QueryRowContext(ctx, q.liveClaim, correlationKey, now).Scan(&live)
	return live, err
}

func (p *PostgresRepository) ListFailed(ctx context.Context, role Role, limit int) (msgs []*Message, err error) {
	ctx, span := startDBSpan(ctx, postgresSystem, "ListFailed")
	defer func() { span.end(len(msgs), err) }()

	q, err := p.q(role)
	if err != nil {
		return nil, err
	}
	return p.list(ctx, role, q.failed, limitArg(limit))
}

func (p *PostgresRepository) Requeue(ctx context.Context, role Role, id string, now time.Time) (msg *Message, err error) {
	ctx, span := startDBSpan(ctx, postgresSystem, "Requeue")
	defer func() { span.end(1, err) }()

	q, err := p.q(role)
	if err != nil {
		return nil, err
	}
	return p.transition(ctx, role, q, id, q.requeue, id, now)
}

func (p *PostgresRepository) TryAcquire(ctx context.Context, segregationRef string, actor Role, owner string, now time.Time) (lock *FifoLock, err error) {
	ctx, span := startDBSpan(ctx, postgresSystem, "TryAcquire")
	defer func() { span.end(1, err) }()

	id := LockID(segregationRef, actor)
	res, err := p.db.ExecContext(ctx, acquireLockQuery, id, segregationRef, actor, owner, now)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrLockDenied, id)
	}
	return &FifoLock{
		ID:             id,
		SegregationRef: segregationRef,
		Actor:          actor,
		Locked:         true,
		Owner:          owner,
		LockedAt:       &now,
	}, nil
}

func (p *PostgresRepository) Release(ctx context.Context, segregationRef string, actor Role, owner string) (err error) {
	ctx, span := startDBSpan(ctx, postgresSystem, "Release")
	defer func() { span.end(1, err) }()

	_, err = p.db.ExecContext(ctx, releaseLockQuery, LockID(segregationRef, actor), owner)
	return err
}

func (p *PostgresRepository) GetLock(ctx context.Context, segregationRef string, actor Role) (lock *FifoLock, err error) {
	ctx, span := startDBSpan(ctx, postgresSystem, "GetLock")
	defer func() { span.end(1, err) }()

	lock, err = scanLock(p.db.QueryRowContext(ctx, getLockQuery, LockID(segregationRef, actor)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return lock, err
}

func (p *PostgresRepository) FetchStale(ctx context.Context, actor Role, lockedBefore time.Time, limit int) (locks []*FifoLock, err error) {
	ctx, span := startDBSpan(ctx, postgresSystem, "FetchStale")
	defer func() { span.end(len(locks), err) }()

	rows, err := p.db.QueryContext(ctx, staleLocksQuery, actor, lockedBefore, limitArg(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		lock, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		locks = append(locks, lock)
	}
	return locks, rows.Err()
}

func (p *PostgresRepository) list(ctx context.Context, role Role, query string, args ...any) ([]*Message, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(role, rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return msgs, nil
}

// transition runs a conditional UPDATE ... RETURNING. No returned row means the
// record is missing or was not in the expected state.
func (p *PostgresRepository) transition(ctx context.Context, role Role, q pgQueries, id, query string, args ...any) (*Message, error) {
	msg, err := scanMessage(role, p.db.QueryRowContext(ctx, query, args...))
	if !errors.Is(err, sql.ErrNoRows) {
		return msg, err
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, q.exists, id).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	return nil, fmt.Errorf("%w: message %s", ErrClaimConflict, id)
}
