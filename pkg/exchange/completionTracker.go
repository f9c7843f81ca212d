package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-exchange/pkg/logging"
	"github.com/zoff-tech/go-exchange/pkg/store"
	"github.com/zoff-tech/go-exchange/pkg/telemetry"
)

// DeadLetterNotifier is told about every message that enters FAILED.
type DeadLetterNotifier interface {
	NotifyDeadLetter(ctx context.Context, msg *store.Message, cause error) error
}

// CompletionTracker finalizes claimed messages and frees their FIFO lock. The
// lock is released only after the status write succeeded.
type CompletionTracker struct {
	messages     store.MessageStore
	locks        store.LockRegistry
	maxAttempts  int
	retryBackoff time.Duration
	maxBackoff   time.Duration
	notifier     DeadLetterNotifier
	clock        Clock
	logger       *zap.Logger
	metrics      *telemetry.Metrics
}

func NewCompletionTracker(s *store.Store, opts Options) *CompletionTracker {
	opts.setDefaults()
	return &CompletionTracker{
		messages:     s.Messages,
		locks:        s.Locks,
		maxAttempts:  opts.MaxAttempts,
		retryBackoff: opts.RetryBackoff,
		maxBackoff:   opts.MaxBackoff,
		clock:        opts.Clock,
		logger:       opts.Logger.Named("completion"),
		metrics:      opts.Metrics,
	}
}

// WithDeadLetterNotifier sets the notifier and returns the tracker.
func (t *CompletionTracker) WithDeadLetterNotifier(n DeadLetterNotifier) *CompletionTracker {
	t.notifier = n
	return t
}

// Complete marks msg COMPLETED and releases its lock. msg must be the value
// returned by ClaimNext.
func (t *CompletionTracker) Complete(ctx context.Context, msg *store.Message) error {
	ctx, span := startSpan(ctx, "Complete", msg)
	defer span.End()

	role := msg.Role.String()
	if _, err := t.messages.Complete(ctx, msg.Role, msg.ID, msg.ClaimedBy, t.clock.Now()); err != nil {
		if lost := t.leaseLost(err, msg); lost != nil {
			t.metrics.Completion(role, "lease_lost")
			span.SetAttributes(attribute.String("outcome", "lease_lost"))
			return lost
		}
		recordSpanError(span, err)
		return fmt.Errorf("complete %s: %w", msg.ID, err)
	}
	t.metrics.Completion(role, "completed")

	return t.release(ctx, span, msg)
}

// Fail records a failed attempt. Below the attempt limit the message returns to
// PENDING behind a backoff gate; at the limit it is dead-lettered and the
// returned error wraps both ErrPoisonMessage and cause.
func (t *CompletionTracker) Fail(ctx context.Context, msg *store.Message, cause error) error {
	ctx, span := startSpan(ctx, "Fail", msg)
	defer span.End()

	if cause == nil {
		cause = errors.New("unspecified failure")
	}
	now := t.clock.Now()
	attempts := msg.CompletionAttempts + 1

	failure := store.Failure{
		ExpectedAttempts: msg.CompletionAttempts,
		Status:           store.StatusPending,
		LastError:        cause.Error(),
		Now:              now,
	}
	if attempts >= t.maxAttempts {
		failure.Status = store.StatusFailed
	} else if delay := RetryDelay(attempts, t.retryBackoff, t.maxBackoff); delay > 0 {
		next := now.Add(delay)
		failure.NextAttemptAt = &next
	}

	role := msg.Role.String()
	updated, err := t.messages.Fail(ctx, msg.Role, msg.ID, msg.ClaimedBy, failure)
	if err != nil {
		if lost := t.leaseLost(err, msg); lost != nil {
			t.metrics.Completion(role, "lease_lost")
			span.SetAttributes(attribute.String("outcome", "lease_lost"))
			return lost
		}
		recordSpanError(span, err)
		return fmt.Errorf("fail %s: %w", msg.ID, err)
	}
	span.SetAttributes(
		attribute.String("message.status", string(updated.Status)),
		attribute.Int("message.completion_attempts", updated.CompletionAttempts),
	)

	if relErr := t.release(ctx, span, msg); relErr != nil {
		return relErr
	}

	log := logging.For(ctx, t.logger).With(
		zap.String("message_id", msg.ID),
		zap.String("role", role),
		zap.Int("attempts", updated.CompletionAttempts),
		zap.Error(cause))
	if updated.Status != store.StatusFailed {
		t.metrics.Completion(role, "retry")
		log.Info("message scheduled for retry", zap.Timep("next_attempt_at", updated.NextAttemptAt))
		return nil
	}

	t.metrics.Completion(role, "dead")
	t.metrics.DeadLettered(role)
	log.Warn("message dead-lettered")
	if t.notifier != nil {
		if err := t.notifier.NotifyDeadLetter(ctx, updated, cause); err != nil {
			log.Error("dead-letter notification failed", zap.NamedError("notify_error", err))
		}
	}
	return fmt.Errorf("%w: message %s after %d attempts: %w", ErrPoisonMessage, msg.ID, updated.CompletionAttempts, cause)
}

func (t *CompletionTracker) release(ctx context.Context, span trace.Span, msg *store.Message) error {
	if err := t.locks.Release(ctx, msg.CorrelationKey, msg.Role, msg.ClaimedBy); err != nil {
		recordSpanError(span, err)
		return fmt.Errorf("release lock %s: %w", store.LockID(msg.CorrelationKey, msg.Role), err)
	}
	return nil
}

func (t *CompletionTracker) leaseLost(err error, msg *store.Message) error {
	if errors.Is(err, store.ErrClaimConflict) || errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: message %s no longer claimed by %s", ErrLeaseLost, msg.ID, msg.ClaimedBy)
	}
	return nil
}

func startSpan(ctx context.Context, name string, msg *store.Message) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("exchange.role", msg.Role.String()),
		attribute.String("message.id", msg.ID),
		attribute.String("message.message_id", msg.MessageID),
		attribute.String("message.correlation_key", msg.CorrelationKey),
	))
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
