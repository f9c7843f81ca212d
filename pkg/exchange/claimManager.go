package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-exchange/pkg/logging"
	"github.com/zoff-tech/go-exchange/pkg/store"
	"github.com/zoff-tech/go-exchange/pkg/telemetry"
)

var tracer = otel.Tracer("go-exchange/exchange")

// ClaimManager leases the next eligible message of a role to a worker. A key is
// claimable only by the worker holding its FIFO lock, and only its head (the
// oldest open message of the key) is ever claimed.
type ClaimManager struct {
	messages  store.MessageStore
	locks     store.LockRegistry
	batchSize int
	clock     Clock
	logger    *zap.Logger
	metrics   *telemetry.Metrics
}

func NewClaimManager(s *store.Store, opts Options) *ClaimManager {
	opts.setDefaults()
	return &ClaimManager{
		messages:  s.Messages,
		locks:     s.Locks,
		batchSize: opts.BatchSize,
		clock:     opts.Clock,
		logger:    opts.Logger.Named("claim"),
		metrics:   opts.Metrics,
	}
}

// ClaimNext returns the message leased to workerID until now+lease, or nil when
// nothing is claimable. Callers poll again after their poll interval.
func (c *ClaimManager) ClaimNext(ctx context.Context, role store.Role, workerID string, lease time.Duration) (*store.Message, error) {
	ctx, span := tracer.Start(ctx, "ClaimNext", trace.WithAttributes(
		attribute.String("exchange.role", role.String()),
		attribute.String("exchange.worker_id", workerID),
	))
	defer span.End()

	msg, err := c.claimNext(ctx, role, workerID, lease)
	switch {
	case err != nil:
		recordSpanError(span, err)
		c.metrics.Claim(role.String(), "error")
	case msg == nil:
		c.metrics.Claim(role.String(), "empty")
	default:
		span.SetAttributes(
			attribute.String("message.id", msg.ID),
			attribute.String("message.correlation_key", msg.CorrelationKey),
			attribute.Int("message.completion_attempts", msg.CompletionAttempts),
		)
		c.metrics.Claim(role.String(), "claimed")
	}
	return msg, err
}

func (c *ClaimManager) claimNext(ctx context.Context, role store.Role, workerID string, lease time.Duration) (*store.Message, error) {
	now := c.clock.Now()
	candidates, err := c.messages.FetchCandidates(ctx, role, now, c.batchSize)
	if err != nil {
		return nil, fmt.Errorf("fetch candidates: %w", err)
	}

	tried := make(map[string]struct{}, len(candidates))
	for _, candidate := range candidates {
		key := candidate.CorrelationKey
		if _, ok := tried[key]; ok {
			continue
		}
		tried[key] = struct{}{}

		msg, err := c.claimKey(ctx, role, key, workerID, now, now.Add(lease))
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
	}
	return nil, nil
}

// claimKey locks key and claims its head. A nil message with a nil error means
// the key is busy or its head is not claimable; the lock is not kept then.
func (c *ClaimManager) claimKey(ctx context.Context, role store.Role, key, workerID string, now, expiresAt time.Time) (*store.Message, error) {
	if _, err := c.locks.TryAcquire(ctx, key, role, workerID, now); err != nil {
		if errors.Is(err, store.ErrLockDenied) {
			return nil, nil
		}
		return nil, fmt.Errorf("acquire lock %s: %w", store.LockID(key, role), err)
	}

	msg, err := c.claimHead(ctx, role, key, workerID, now, expiresAt)
	if msg != nil {
		return msg, nil
	}
	if relErr := c.locks.Release(ctx, key, role, workerID); relErr != nil {
		logging.For(ctx, c.logger).Warn("release of unused lock failed",
			zap.String("lock_id", store.LockID(key, role)), zap.Error(relErr))
	}
	return nil, err
}

func (c *ClaimManager) claimHead(ctx context.Context, role store.Role, key, workerID string, now, expiresAt time.Time) (*store.Message, error) {
	head, err := c.messages.Head(ctx, role, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("head of %s: %w", key, err)
	}
	if head.Status != store.StatusPending || !head.Available(now) {
		logging.For(ctx, c.logger).Debug("head not claimable",
			zap.String("correlation_key", key),
			zap.String("message_id", head.ID),
			zap.String("status", string(head.Status)))
		return nil, nil
	}

	msg, err := c.messages.Claim(ctx, role, head.ID, workerID, expiresAt, now)
	if errors.Is(err, store.ErrClaimConflict) || errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", head.ID, err)
	}
	return msg, nil
}
