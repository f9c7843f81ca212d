package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
)

const spannerSystem = "spanner"

// SpannerRepository implements MessageStore and LockRegistry on Cloud Spanner.
// Each transition is a conditional DML statement inside a single-row
// read-write transaction.
type SpannerRepository struct {
	client *spanner.Client
}

var (
	_ MessageStore = (*SpannerRepository)(nil)
	_ LockRegistry = (*SpannerRepository)(nil)
)

// NewSpannerRepositoryFactory builds the repository; tests replace it.
var NewSpannerRepositoryFactory = func(client *spanner.Client) *SpannerRepository {
	return &SpannerRepository{client: client}
}

var spannerMessageColumns = []string{
	"id", "message_id", "correlation_key", "type", "source", "payload", "status", "claimed_by",
	"claim_expires_at", "completion_attempts", "message_date", "next_attempt_at", "last_error",
	"updated_at", "completed_at",
}

var spannerLockColumns = []string{"id", "segregation_ref", "actor", "locked", "owner", "locked_at"}

func spannerSelect(role Role, where, order string, limit int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s WHERE %s", strings.Join(spannerMessageColumns, ", "), role.Collection(), where)
	if order != "" {
		b.WriteString(" ORDER BY " + order)
	}
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}
	return b.String()
}

const spannerCandidateOrder = "message_date, completion_attempts, id"

func spannerTime(t *time.Time) spanner.NullTime {
	if t == nil {
		return spanner.NullTime{}
	}
	return spanner.NullTime{Time: *t, Valid: true}
}

func spannerTimePtr(t spanner.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func decodeSpannerMessage(role Role, row *spanner.Row) (*Message, error) {
	var (
		m              = &Message{Role: role}
		status         string
		claimedBy      spanner.NullString
		claimExpiresAt spanner.NullTime
		attempts       int64
		nextAttemptAt  spanner.NullTime
		completedAt    spanner.NullTime
	)
	err := row.Columns(&m.ID, &m.MessageID, &m.CorrelationKey, &m.Type, &m.Source, &m.Payload, &status,
		&claimedBy, &claimExpiresAt, &attempts, &m.Date, &nextAttemptAt, &m.LastError, &m.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	m.Status = Status(status)
	m.ClaimedBy = claimedBy.StringVal
	m.ClaimExpiresAt = spannerTimePtr(claimExpiresAt)
	m.CompletionAttempts = int(attempts)
	m.NextAttemptAt = spannerTimePtr(nextAttemptAt)
	m.CompletedAt = spannerTimePtr(completedAt)
	return m, nil
}

func decodeSpannerLock(row *spanner.Row) (*FifoLock, error) {
	var (
		l        FifoLock
		actor    string
		lockedAt spanner.NullTime
	)
	if err := row.Columns(&l.ID, &l.SegregationRef, &actor, &l.Locked, &l.Owner, &lockedAt); err != nil {
		return nil, err
	}
	l.Actor = Role(actor)
	l.LockedAt = spannerTimePtr(lockedAt)
	return &l, nil
}

func (s *SpannerRepository) Insert(ctx context.Context, msg *Message) (err error) {
	ctx, span := startDBSpan(ctx, spannerSystem, "Insert")
	defer func() { span.end(1, err) }()

	values := []interface{}{
		msg.ID, msg.MessageID, msg.CorrelationKey, msg.Type, msg.Source, msg.Payload, string(msg.Status),
		spanner.NullString{StringVal: msg.ClaimedBy, Valid: msg.ClaimedBy != ""}, spannerTime(msg.ClaimExpiresAt),
		int64(msg.CompletionAttempts), msg.Date, spannerTime(msg.NextAttemptAt), msg.LastError, msg.UpdatedAt,
		spannerTime(msg.CompletedAt),
	}
	_, err = s.client.Apply(ctx, []*spanner.Mutation{
		spanner.Insert(msg.Role.Collection(), spannerMessageColumns, values),
	})
	if spanner.ErrCode(err) == codes.AlreadyExists {
		return fmt.Errorf("%w: %s", ErrDuplicateMessage, msg.MessageID)
	}
	return err
}

func (s *SpannerRepository) Get(ctx context.Context, role Role, id string) (msg *Message, err error) {
	ctx, span := startDBSpan(ctx, spannerSystem, "Get")
	defer func() { span.end(1, err) }()

	row, err := s.client.Single().ReadRow(ctx, role.Collection(), spanner.Key{id}, spannerMessageColumns)
	if spanner.ErrCode(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeSpannerMessage(role, row)
}

func (s *SpannerRepository) FetchCandidates(ctx context.Context, role Role, now time.Time, limit int) (msgs []*Message, err error) {
	ctx, span := startDBSpan(ctx, spannerSystem, "FetchCandidates")
	defer func() { span.end(len(msgs), err) }()

	return s.query(ctx, role, spanner.Statement{
		SQL: spannerSelect(role, spannerHeadWhere(role), spannerCandidateOrder, limit),
		Params: map[string]interface{}{
			"pending": string(StatusPending),
			"claimed": string(StatusClaimed),
			"now":     now,
		},
	})
}

// spannerHeadWhere matches available PENDING messages with no older open
// message of the same key.
func spannerHeadWhere(role Role) string {
	t := role.Collection()
	return fmt.Sprintf("status = @pending AND (next_attempt_at IS NULL OR next_attempt_at <= @now) "+
		"AND NOT EXISTS (SELECT 1 FROM %[1]s o WHERE o.correlation_key = %[1]s.correlation_key "+
		"AND o.status IN (@pending, @claimed) "+
		"AND (o.message_date < %[1]s.message_date "+
		"OR (o.message_date = %[1]s.message_date AND o.completion_attempts < %[1]s.completion_attempts) "+
		"OR (o.message_date = %[1]s.message_date AND o.completion_attempts = %[1]s.completion_attempts AND o.id < %[1]s.id)))", t)
}

func (s *SpannerRepository) Head(ctx context.Context, role Role, correlationKey string) (msg *Message, err error) {
	ctx, span := startDBSpan(ctx, spannerSystem, "Head")
	defer func() { span.end(1, err) }()

	msgs, err := s.query(ctx, role, spanner.Statement{
		SQL: spannerSelect(role, "correlation_key = @key AND status IN (@pending, @claimed)", spannerCandidateOrder, 1),
		Params: map[string]interface{}{
			"key":     correlationKey,
			"pending": string(StatusPending),
			"claimed": string(StatusClaimed),
		},
	})
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return msgs[0], nil
}

func (s *SpannerRepository) Claim(ctx context.Context, role Role, id, workerID string, expiresAt, now time.Time) (msg *Message, err error) {
	ctx, span := startDBSpan(ctx, spannerSystem, "Claim")
	defer func() { span.end(1, err) }()

	return s.transition(ctx, role, id, spanner.Statement{
		SQL: fmt.Sprintf(`UPDATE %s SET status = @claimed, claimed_by = @worker, claim_expires_at = @expires, updated_at = @now
			WHERE id = @id AND status = @pending`, role.Collection()),
		Params: map[string]interface{}{
			"id":      id,
			"worker":  workerID,
			"expires": expiresAt,
			"now":     now,
			"pending": string(StatusPending),
			"claimed": string(StatusClaimed),
		},
	})
}

func (s *SpannerRepository) Complete(ctx context.Context, role Role, id, workerID string, now time.Time) (msg *Message, err error) {
	ctx, span := startDBSpan(ctx, spannerSystem, "Complete")
	defer func() { span.end(1, err) }()

	return s.transition(ctx, role, id, spanner.Statement{
		SQL: fmt.Sprintf(`UPDATE %s SET status = @completed, claimed_by = NULL, claim_expires_at = NULL,
			next_attempt_at = NULL, updated_at = @now, completed_at = @now
			WHERE id = @id AND status = @claimed AND claimed_by = @worker`, role.Collection()),
		Params: map[string]interface{}{
			"id":        id,
			"worker":    workerID,
			"now":       now,
			"claimed":   string(StatusClaimed),
			"completed": string(StatusCompleted),
		},
	})
}

func (s *SpannerRepository) Fail(ctx context.Context, role Role, id, workerID string, f Failure) (msg *Message, err error) {
	ctx, span := startDBSpan(ctx, spannerSystem, "Fail")
	defer func() { span.end(1, err) }()

	if f.Status != StatusPending && f.Status != StatusFailed {
		return nil, fmt.Errorf("%w: CLAIMED -> %s on failure", ErrInvalidTransition, f.Status)
	}
	return s.transition(ctx, role, id, spanner.Statement{
		SQL: fmt.Sprintf(`UPDATE %s SET status = @status, completion_attempts = completion_attempts + 1,
			claimed_by = NULL, claim_expires_at = NULL, next_attempt_at = @next, last_error = @lastError, updated_at = @now
			WHERE id = @id AND status = @claimed AND claimed_by = @worker AND completion_attempts = @expected`, role.Collection()),
		Params: map[string]interface{}{
			"id":        id,
			"worker":    workerID,
			"status":    string(f.Status),
			"next":      spannerTime(f.NextAttemptAt),
			"lastError": truncateError(f.LastError),
			"now":       f.Now,
			"claimed":   string(StatusClaimed),
			"expected":  int64(f.ExpectedAttempts),
		},
	})
}

func (s *SpannerRepository) FetchExpired(ctx context.Context, role Role, now time.Time, limit int) (msgs []*Message, err error) {
	ctx, span := startDBSpan(ctx, spannerSystem, "FetchExpired")
	defer func() { span.end(len(msgs), err) }()

	return s.query(ctx, role, spanner.Statement{
		SQL:    spannerSelect(role, "status = @claimed AND claim_expires_at < @now", "claim_expires_at", limit),
		Params: map[string]interface{}{"claimed": string(StatusClaimed), "now": now},
	})
}

func (s *SpannerRepository) ReclaimExpired(ctx context.Context, role Role, id, claimedBy string, now time.Time) (msg *Message, err error) {
	ctx, span := startDBSpan(ctx, spannerSystem, "ReclaimExpired")
	defer func() { span.end(1, err) }()

	return s.transition(ctx, role, id, spanner.Statement{
		SQL: fmt.Sprintf(`UPDATE %s SET status = @pending, claimed_by = NULL, claim_expires_at = NULL, updated_at = @now
			WHERE id = @id AND status = @claimed AND claimed_by = @worker AND claim_expires_at < @now`, role.Collection()),
		Params: map[string]interface{}{
			"id":      id,
			"worker":  claimedBy,
			"now":     now,
			"pending": string(StatusPending),
			"claimed": string(StatusClaimed),
		},
	})
}

func (s *SpannerRepository) HasLiveClaim(ctx context.Context, role Role, correlationKey string, now time.Time) (live bool, err error) {
	ctx, span := startDBSpan(ctx, spannerSystem, "HasLiveClaim")
	defer func() { span.end(1, err) }()

	stmt := spanner.Statement{
		SQL: fmt.Sprintf(`SELECT id FROM %s WHERE correlation_key = @key AND status = @claimed AND claim_expires_at >= @now LIMIT 1`,
			role.Collection()),
		Params: map[string]interface{}{"key": correlationKey, "claimed": string(StatusClaimed), "now": now},
	}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	_, err = iter.Next()
	if errors.Is(err, iterator.Done) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SpannerRepository) ListFailed(ctx context.Context, role Role, limit int) (msgs []*Message, err error) {
	ctx, span := startDBSpan(ctx, spannerSystem, "ListFailed")
	defer func() { span.end(len(msgs), err) }()

	return s.query(ctx, role, spanner.Statement{
		SQL:    spannerSelect(role, "status = @failed", spannerCandidateOrder, limit),
		Params: map[string]interface{}{"failed": string(StatusFailed)},
	})
}

func (s *SpannerRepository) Requeue(ctx context.Context, role Role, id string, now time.Time) (msg *Message, err error) {
	ctx, span := startDBSpan(ctx, spannerSystem, "Requeue")
	defer func() { span.end(1, err) }()

	return s.transition(ctx, role, id, spanner.Statement{
		SQL: fmt.Sprintf(`UPDATE %s SET status = @pending, completion_attempts = 0, next_attempt_at = NULL, updated_at = @now
			WHERE id = @id AND status = @failed`, role.Collection()),
		Params: map[string]interface{}{
			"id":      id,
			"now":     now,
			"pending": string(StatusPending),
			"failed":  string(StatusFailed),
		},
	})
}

func (s *SpannerRepository) TryAcquire(ctx context.Context, segregationRef string, actor Role, owner string, now time.Time) (lock *FifoLock, err error) {
	ctx, span := startDBSpan(ctx, spannerSystem, "TryAcquire")
	defer func() { span.end(1, err) }()

	id := LockID(segregationRef, actor)
	_, err = s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		row, err := txn.ReadRow(ctx, lockCollection, spanner.Key{id}, []string{"locked"})
		switch {
		case spanner.ErrCode(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			var locked bool
			if err := row.Columns(&locked); err != nil {
				return err
			}
			if locked {
				return fmt.Errorf("%w: %s", ErrLockDenied, id)
			}
		}
		return txn.BufferWrite([]*spanner.Mutation{
			spanner.InsertOrUpdate(lockCollection, spannerLockColumns,
				[]interface{}{id, segregationRef, string(actor), true, owner, now}),
		})
	})
	if err != nil {
		return nil, err
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

func (s *SpannerRepository) Release(ctx context.Context, segregationRef string, actor Role, owner string) (err error) {
	ctx, span := startDBSpan(ctx, spannerSystem, "Release")
	defer func() { span.end(1, err) }()

	_, err = s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		_, err := txn.Update(ctx, spanner.Statement{
			SQL: `UPDATE fifo_locks SET locked = FALSE, owner = '', locked_at = NULL
				WHERE id = @id AND locked = TRUE AND (@owner = '' OR owner = @owner)`,
			Params: map[string]interface{}{"id": LockID(segregationRef, actor), "owner": owner},
		})
		return err
	})
	return err
}

func (s *SpannerRepository) GetLock(ctx context.Context, segregationRef string, actor Role) (lock *FifoLock, err error) {
	ctx, span := startDBSpan(ctx, spannerSystem, "GetLock")
	defer func() { span.end(1, err) }()

	row, err := s.client.Single().ReadRow(ctx, lockCollection, spanner.Key{LockID(segregationRef, actor)}, spannerLockColumns)
	if spanner.ErrCode(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeSpannerLock(row)
}

func (s *SpannerRepository) FetchStale(ctx context.Context, actor Role, lockedBefore time.Time, limit int) (locks []*FifoLock, err error) {
	ctx, span := startDBSpan(ctx, spannerSystem, "FetchStale")
	defer func() { span.end(len(locks), err) }()

	sql := fmt.Sprintf("SELECT %s FROM fifo_locks WHERE actor = @actor AND locked = TRUE AND locked_at < @before ORDER BY locked_at",
		strings.Join(spannerLockColumns, ", "))
	if limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", limit)
	}
	iter := s.client.Single().Query(ctx, spanner.Statement{
		SQL:    sql,
		Params: map[string]interface{}{"actor": string(actor), "before": lockedBefore},
	})
	err = iter.Do(func(row *spanner.Row) error {
		lock, err := decodeSpannerLock(row)
		if err != nil {
			return err
		}
		locks = append(locks, lock)
		return nil
	})
	return locks, err
}

func (s *SpannerRepository) query(ctx context.Context, role Role, stmt spanner.Statement) ([]*Message, error) {
	var msgs []*Message
	err := s.client.Single().Query(ctx, stmt).Do(func(row *spanner.Row) error {
		msg, err := decodeSpannerMessage(role, row)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
		return nil
	})
	return msgs, err
}

// transition applies a conditional DML update and reads the row back in the
// same transaction. A zero row count is resolved into ErrNotFound or ErrClaimConflict.
func (s *SpannerRepository) transition(ctx context.Context, role Role, id string, stmt spanner.Statement) (*Message, error) {
	var msg *Message
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		n, err := txn.Update(ctx, stmt)
		if err != nil {
			return err
		}
		row, err := txn.ReadRow(ctx, role.Collection(), spanner.Key{id}, spannerMessageColumns)
		if spanner.ErrCode(err) == codes.NotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: message %s", ErrClaimConflict, id)
		}
		msg, err = decodeSpannerMessage(role, row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}
