package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zoff-tech/go-exchange/pkg/admin"
	"github.com/zoff-tech/go-exchange/pkg/broker"
	"github.com/zoff-tech/go-exchange/pkg/config"
	"github.com/zoff-tech/go-exchange/pkg/exchange"
	"github.com/zoff-tech/go-exchange/pkg/logging"
	"github.com/zoff-tech/go-exchange/pkg/processor"
	"github.com/zoff-tech/go-exchange/pkg/store"
	"github.com/zoff-tech/go-exchange/pkg/telemetry"
)

func newServeCmd(load settingsLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the exchange workers, sweeper and admin endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Settings) error {
	logger, err := logging.New(cfg.Observability)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Observability)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)

	s, err := store.NewRepository(ctx, cfg.Database, cfg.Locks)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := s.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("store close failed", zap.Error(err))
		}
	}()

	b, err := broker.NewBroker(ctx, &cfg.Broker, logger)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Warn("broker close failed", zap.Error(err))
		}
	}()

	opts := exchange.OptionsFromSettings(cfg)
	opts.Logger = logger
	opts.Metrics = metrics

	poolOpts := processor.PoolOptions{
		LeaseDuration: cfg.LeaseDuration,
		PollInterval:  cfg.PollInterval,
		Logger:        logger,
		Metrics:       metrics,
	}
	claims := exchange.NewClaimManager(s, opts)

	g, ctx := errgroup.WithContext(ctx)
	var roles []store.Role

	if cfg.Outbox.Enabled {
		roles = append(roles, store.RoleOutbox)
		tracker := exchange.NewCompletionTracker(s, opts)
		if cfg.DeadLetterTopic != "" {
			tracker = tracker.WithDeadLetterNotifier(processor.NewDeadLetterPublisher(b, cfg.DeadLetterTopic))
		}
		outOpts := poolOpts
		outOpts.Workers = cfg.Outbox.Workers
		pool := processor.NewPool(store.RoleOutbox, claims, tracker, processor.NewOutboxDispatcher(b, cfg.Broker, logger), outOpts)
		g.Go(func() error { return pool.Run(ctx) })
	}

	if cfg.Inbox.Enabled {
		roles = append(roles, store.RoleInbox)
		registry := processor.NewHandlerRegistry()
		if cfg.Inbox.ForwardURL != "" {
			registry.SetFallback(processor.NewHTTPForwarder(cfg.Inbox.ForwardURL, nil).Handle)
		}
		inOpts := poolOpts
		inOpts.Workers = cfg.Inbox.Workers
		pool := processor.NewPool(store.RoleInbox, claims, exchange.NewCompletionTracker(s, opts), processor.NewInboxInvoker(registry), inOpts)
		g.Go(func() error { return pool.Run(ctx) })

		if cfg.Inbox.Listen {
			listener := processor.NewInboxListener(b, exchange.NewInbox(s.Messages, cfg.Inbox.CorrelationField, opts), logger)
			g.Go(func() error { return listener.Run(ctx) })
		}
	}

	sweeper := exchange.NewSweeper(s, roles, opts)
	g.Go(func() error { return sweeper.Run(ctx) })

	if cfg.Observability.MetricsAddr != "" {
		srv := admin.NewServer(cfg.Observability.MetricsAddr, exchange.NewDeadLetters(s.Messages, opts), reg, logger)
		g.Go(func() error { return srv.Run(ctx) })
	}

	logger.Info("exchange sidecar started",
		zap.Bool("outbox", cfg.Outbox.Enabled),
		zap.Bool("inbox", cfg.Inbox.Enabled),
		zap.String("store", cfg.Database.Type),
		zap.String("broker", cfg.Broker.Type))

	err = g.Wait()
	logger.Info("exchange sidecar stopped", zap.Error(err))
	return err
}
