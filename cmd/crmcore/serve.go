package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/avenirsoft/crmcore/internal/bus"
	"github.com/avenirsoft/crmcore/internal/config"
	"github.com/avenirsoft/crmcore/internal/events"
	"github.com/avenirsoft/crmcore/internal/idempotency"
	"github.com/avenirsoft/crmcore/internal/logging"
	"github.com/avenirsoft/crmcore/internal/server"
)

// auditSubjects is everything the serve command's audit consumer watches.
var auditSubjects = []string{
	events.SubjectClientCreated,
	events.SubjectClientUpdated,
	events.SubjectClientDeleted,
	events.SubjectInvoiceCreated,
	events.SubjectInvoicePaid,
	events.SubjectInvoiceOverdue,
	events.SubjectPaymentSucceeded,
	events.SubjectPaymentFailed,
	events.SubjectEmailSent,
	events.SubjectEmailBounced,
	events.SubjectUserCreated,
	events.SubjectUserRoleChanged,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the shared infrastructure runtime",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		logger := logging.New(os.Stderr, cfg.NATSName, cfg.Environment)
		slog.SetDefault(logger)

		if cfg.DatabaseURL == "" {
			return fmt.Errorf("CRM_DATABASE_URL is required")
		}

		store, err := idempotency.New(cfg.DatabaseURL, cfg.IdempotencyRetention)
		if err != nil {
			return err
		}

		registry := prometheus.NewRegistry()
		conn := bus.New(bus.Config{
			URLs:                 cfg.NATSURLs,
			Name:                 cfg.NATSName,
			MaxReconnectAttempts: cfg.MaxReconnects,
			ReconnectWait:        cfg.ReconnectWait,
		}, logger, bus.NewMetrics(registry))

		if err := conn.Connect(cmd.Context()); err != nil {
			store.Close()
			return err
		}

		// The runtime's own consumer is an audit trail: every domain event
		// is recorded once, duplicates are skipped via the idempotency store.
		consumer := events.NewConsumer(store, logger)
		for _, subject := range auditSubjects {
			consumer.Register(subject, auditHandler(logger))
		}
		if _, err := consumer.Start(conn, cfg.QueueGroup); err != nil {
			conn.Drain()
			store.Close()
			return err
		}

		// Sweep expired idempotency rows on a schedule, archiving them to S3
		// first when a bucket is configured.
		var sweeper *idempotency.Sweeper
		if cfg.SweepInterval > 0 {
			archive, err := newArchive(cmd.Context(), cfg, logger)
			if err != nil {
				conn.Drain()
				store.Close()
				return err
			}
			sweeper = idempotency.NewSweeper(store, archive, cfg.SweepInterval, logger)
			sweeper.Start()
			logger.Info("sweeper started", "interval", cfg.SweepInterval)
		}

		grpcServer := server.NewGRPCServer(server.AuthConfig{
			JWTSecret:     cfg.JWTSecret,
			InternalToken: cfg.InternalToken,
		})

		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			if sweeper != nil {
				sweeper.Stop()
			}
			conn.Drain()
			store.Close()
			return err
		}

		go func() {
			logger.Info("gRPC server listening", "addr", cfg.GRPCAddr)
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error("gRPC server error", "err", err)
			}
		}()

		logger.Info("crmcore started",
			"grpc_addr", cfg.GRPCAddr,
			"nats_urls", cfg.NATSURLs,
			"queue_group", cfg.QueueGroup,
		)

		// Wait for SIGINT or SIGTERM.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)

		grpcServer.GracefulStop()
		logger.Info("gRPC server stopped")

		if sweeper != nil {
			sweeper.Stop()
			logger.Info("sweeper stopped")
		}

		if err := conn.Drain(); err != nil {
			logger.Error("error draining broker connection", "err", err)
		}
		if err := store.Close(); err != nil {
			logger.Error("error closing store", "err", err)
		}

		logger.Info("shutdown complete")
		return nil
	},
}

func auditHandler(logger *slog.Logger) events.HandlerFunc {
	return func(ctx context.Context, env *events.Envelope) error {
		logger.InfoContext(ctx, "event observed",
			"event_id", env.EventID,
			"event_type", env.EventType,
			"occurred_at", env.OccurredAt,
		)
		return nil
	}
}

func newArchive(ctx context.Context, cfg *config.Config, logger *slog.Logger) (idempotency.ArchiveDestination, error) {
	if cfg.ArchiveS3Bucket == "" {
		return nil, nil
	}
	archive, err := idempotency.NewS3Archive(ctx,
		cfg.ArchiveS3Bucket, cfg.ArchiveS3Key, cfg.ArchiveS3Region, cfg.ArchiveS3Endpoint)
	if err != nil {
		return nil, fmt.Errorf("archive destination: %w", err)
	}
	logger.Info("archive destination enabled",
		"bucket", cfg.ArchiveS3Bucket, "key", cfg.ArchiveS3Key)
	return archive, nil
}
