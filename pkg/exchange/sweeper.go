package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-exchange/pkg/logging"
	"github.com/zoff-tech/go-exchange/pkg/store"
	"github.com/zoff-tech/go-exchange/pkg/telemetry"
)

// SweepResult counts what one sweep of a role recovered.
type SweepResult struct {
	Reclaimed     int
	LocksReleased int
}

// Sweeper returns expired leases to PENDING and force-releases FIFO locks
// whose holder has no live claim. It is the only recovery path for workers
// that died mid-processing.
type Sweeper struct {
	messages   store.MessageStore
	locks      store.LockRegistry
	roles      []store.Role
	batchSize  int
	interval   time.Duration
	staleAfter time.Duration
	clock      Clock
	logger     *zap.Logger
	metrics    *telemetry.Metrics
}

func NewSweeper(s *store.Store, roles []store.Role, opts Options) *Sweeper {
	opts.setDefaults()
	return &Sweeper{
		messages:   s.Messages,
		locks:      s.Locks,
		roles:      roles,
		batchSize:  opts.BatchSize,
		interval:   opts.SweepInterval,
		staleAfter: opts.LockStaleAfter,
		clock:      opts.Clock,
		logger:     opts.Logger.Named("sweeper"),
		metrics:    opts.Metrics,
	}
}

// Run sweeps every role once per interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.sweepAll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) sweepAll(ctx context.Context) {
	for _, role := range s.roles {
		res, err := s.Sweep(ctx, role)
		if err != nil && ctx.Err() == nil {
			s.logger.Error("sweep failed", zap.String("role", role.String()), zap.Error(err))
		}
		if res.Reclaimed > 0 || res.LocksReleased > 0 {
			s.logger.Info("sweep recovered work",
				zap.String("role", role.String()),
				zap.Int("reclaimed", res.Reclaimed),
				zap.Int("locks_released", res.LocksReleased))
		}
	}
}

// Sweep runs one pass over role. It keeps going past individual failures and
// returns them joined.
func (s *Sweeper) Sweep(ctx context.Context, role store.Role) (SweepResult, error) {
	ctx, span := tracer.Start(ctx, "Sweep", trace.WithAttributes(
		attribute.String("exchange.role", role.String()),
	))
	defer span.End()

	now := s.clock.Now()
	var res SweepResult

	reclaimed, errExpired := s.reclaimExpired(ctx, role, now)
	res.Reclaimed = reclaimed
	released, errStale := s.releaseStale(ctx, role, now)
	res.LocksReleased = released

	span.SetAttributes(
		attribute.Int("sweep.reclaimed", res.Reclaimed),
		attribute.Int("sweep.locks_released", res.LocksReleased),
	)
	err := errors.Join(errExpired, errStale)
	if err != nil {
		recordSpanError(span, err)
	}
	return res, err
}

func (s *Sweeper) reclaimExpired(ctx context.Context, role store.Role, now time.Time) (int, error) {
	expired, err := s.messages.FetchExpired(ctx, role, now, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch expired: %w", err)
	}

	var (
		count int
		errs  []error
	)
	for _, msg := range expired {
		if _, err := s.messages.ReclaimExpired(ctx, role, msg.ID, msg.ClaimedBy, now); err != nil {
			// completed or reclaimed meanwhile
			if errors.Is(err, store.ErrClaimConflict) || errors.Is(err, store.ErrNotFound) {
				continue
			}
			errs = append(errs, fmt.Errorf("reclaim %s: %w", msg.ID, err))
			continue
		}
		count++
		s.metrics.Reclaimed(role.String())
		logging.For(ctx, s.logger).Warn("lease expired, message returned to pending",
			zap.String("message_id", msg.ID),
			zap.String("claimed_by", msg.ClaimedBy),
			zap.Timep("claim_expires_at", msg.ClaimExpiresAt))

		if err := s.locks.Release(ctx, msg.CorrelationKey, role, msg.ClaimedBy); err != nil {
			errs = append(errs, fmt.Errorf("release lock %s: %w", store.LockID(msg.CorrelationKey, role), err))
		}
	}
	return count, errors.Join(errs...)
}

func (s *Sweeper) releaseStale(ctx context.Context, role store.Role, now time.Time) (int, error) {
	stale, err := s.locks.FetchStale(ctx, role, now.Add(-s.staleAfter), s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch stale locks: %w", err)
	}

	var (
		count int
		errs  []error
	)
	for _, lock := range stale {
		live, err := s.messages.HasLiveClaim(ctx, role, lock.SegregationRef, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("live claim check %s: %w", lock.ID, err))
			continue
		}
		if live {
			continue
		}
		// conditional on the stale owner so a fresh acquisition is never freed
		if err := s.locks.Release(ctx, lock.SegregationRef, role, lock.Owner); err != nil {
			errs = append(errs, fmt.Errorf("release lock %s: %w", lock.ID, err))
			continue
		}
		count++
		s.metrics.StaleLockReleased(role.String())
		logging.For(ctx, s.logger).Warn("stale lock released",
			zap.String("lock_id", lock.ID),
			zap.String("owner", lock.Owner),
			zap.Timep("locked_at", lock.LockedAt))
	}
	return count, errors.Join(errs...)
}
