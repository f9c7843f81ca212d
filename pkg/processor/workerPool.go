package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zoff-tech/go-exchange/pkg/exchange"
	"github.com/zoff-tech/go-exchange/pkg/logging"
	"github.com/zoff-tech/go-exchange/pkg/store"
	"github.com/zoff-tech/go-exchange/pkg/telemetry"
)

// PoolOptions tunes a worker pool.
type PoolOptions struct {
	Workers       int
	LeaseDuration time.Duration
	PollInterval  time.Duration
	// MaxErrorBackoff caps the wait after consecutive store errors.
	MaxErrorBackoff time.Duration
	// InstanceID prefixes the worker ids; a random one is generated when empty.
	InstanceID string

	Logger  *zap.Logger
	Metrics *telemetry.Metrics
}

func (o *PoolOptions) setDefaults() {
	if o.Workers == 0 {
		o.Workers = 4
	}
	if o.LeaseDuration == 0 {
		o.LeaseDuration = 30 * time.Second
	}
	if o.PollInterval == 0 {
		o.PollInterval = time.Second
	}
	if o.MaxErrorBackoff == 0 {
		o.MaxErrorBackoff = 30 * time.Second
	}
	if o.InstanceID == "" {
		o.InstanceID = uuid.NewString()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Pool runs the claim, execute, finalize loop of one role on a bounded number
// of workers.
type Pool struct {
	role     store.Role
	claims   *exchange.ClaimManager
	tracker  *exchange.CompletionTracker
	executor Executor
	opts     PoolOptions
	logger   *zap.Logger
	tracer   trace.Tracer
}

func NewPool(role store.Role, claims *exchange.ClaimManager, tracker *exchange.CompletionTracker, executor Executor, opts PoolOptions) *Pool {
	opts.setDefaults()
	return &Pool{
		role:     role,
		claims:   claims,
		tracker:  tracker,
		executor: executor,
		opts:     opts,
		logger:   opts.Logger.Named("pool").With(zap.String("role", role.String())),
		tracer:   otel.Tracer("go-exchange/processor"),
	}
}

// Run blocks until ctx is done or a worker panics. Cancellation returns nil.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Workers; i++ {
		workerID := fmt.Sprintf("%s/%s/%d", p.opts.InstanceID, p.role, i)
		g.Go(func() (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					err = fmt.Errorf("%w: %s: %v", ErrWorkerPanic, workerID, rec)
					p.logger.Error("worker panic", zap.String("worker_id", workerID), zap.Any("panic", rec), zap.Stack("stack"))
				}
			}()
			return p.runWorker(ctx, workerID)
		})
	}
	p.logger.Info("worker pool started", zap.Int("workers", p.opts.Workers))
	return g.Wait()
}

func (p *Pool) runWorker(ctx context.Context, workerID string) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.opts.PollInterval
	bo.MaxInterval = p.opts.MaxErrorBackoff
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		processed, err := p.ProcessOne(ctx, workerID)
		var wait time.Duration
		switch {
		case err != nil:
			wait = bo.NextBackOff()
			if ctx.Err() == nil {
				p.logger.Warn("worker iteration failed",
					zap.String("worker_id", workerID), zap.Duration("retry_in", wait), zap.Error(err))
			}
		case processed:
			bo.Reset()
			continue
		default:
			bo.Reset()
			wait = p.opts.PollInterval
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// ProcessOne claims and finalizes at most one message. It reports whether a
// message was claimed; dead-lettering and lost leases are not errors here.
func (p *Pool) ProcessOne(ctx context.Context, workerID string) (bool, error) {
	msg, err := p.claims.ClaimNext(ctx, p.role, workerID, p.opts.LeaseDuration)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}

	execErr := p.execute(ctx, msg)

	// finalize even when shutdown started mid-execution
	finalCtx := context.WithoutCancel(ctx)
	if execErr == nil {
		err = p.tracker.Complete(finalCtx, msg)
	} else {
		err = p.tracker.Fail(finalCtx, msg, execErr)
	}

	log := logging.For(ctx, p.logger).With(zap.String("worker_id", workerID), zap.String("message_id", msg.ID))
	switch {
	case err == nil:
	case errors.Is(err, exchange.ErrPoisonMessage):
	case errors.Is(err, exchange.ErrLeaseLost):
		log.Warn("lease lost before finalization", zap.Error(err))
	default:
		return true, err
	}
	return true, nil
}

func (p *Pool) execute(ctx context.Context, msg *store.Message) (err error) {
	ctx, span := p.tracer.Start(ctx, "Execute", trace.WithAttributes(
		attribute.String("exchange.role", p.role.String()),
		attribute.String("message.id", msg.ID),
		attribute.String("message.message_id", msg.MessageID),
		attribute.String("message.type", msg.Type),
		attribute.Int("message.completion_attempts", msg.CompletionAttempts),
	))
	start := time.Now()

	// the work is bounded by the lease
	if msg.ClaimExpiresAt != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, *msg.ClaimExpiresAt)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = deliveryError(msg, fmt.Errorf("%w: %v", ErrHandlerPanic, rec))
			p.logger.Error("execution panic", zap.String("message_id", msg.ID), zap.Any("panic", rec), zap.Stack("stack"))
		}
		result := "ok"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		p.opts.Metrics.ObserveExecution(p.role.String(), result, time.Since(start))
		span.End()
	}()

	if err := p.executor.Execute(ctx, msg); err != nil {
		return deliveryError(msg, err)
	}
	return nil
}
