package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ledger-stream/internal/config"
	"ledger-stream/internal/kafka"
	"ledger-stream/internal/observability"
	"ledger-stream/internal/outbox"
	"ledger-stream/internal/postgres"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Processed outbox rows are kept this long before being purged.
const processedRetention = 7 * 24 * time.Hour

func main() {
	cfg := config.Load()
	observability.InitLogger(cfg.Logging.Level)
	logger := observability.GetLogger()

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}
	if cfg.Postgres.DSN == "" {
		logger.Fatal("POSTGRES_DSN is required by the outbox relay")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("Relay exited with error")
	}
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	metrics := observability.NewProcessingMetrics()

	cluster := kafka.NewClusterClient(cfg.Kafka.Brokers, 5, logger)
	if err := cluster.EnsureTopics(ctx, kafka.Topics(cfg)...); err != nil {
		return err
	}

	pg, err := postgres.Connect(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer pg.Close()
	if err := pg.Migrate(ctx); err != nil {
		return err
	}

	producer, err := kafka.NewProducer(cfg, logger)
	if err != nil {
		return err
	}
	defer producer.CloseGracefully(10 * time.Second)

	repo := postgres.NewOutboxRepository(pg.DB, logger)
	hostname, _ := os.Hostname()
	relay := outbox.NewRelay(repo, producer, outbox.RelayConfig{
		Topic:          cfg.Kafka.EventsTopic,
		Owner:          fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		BatchSize:      cfg.Relay.BatchSize,
		PollInterval:   cfg.Relay.PollInterval,
		Lease:          cfg.Relay.Lease,
		PublishTimeout: cfg.Relay.PublishTimeout,
		Metrics:        metrics,
		Logger:         logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return relay.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Relay.PublishTimeout*2)
		defer cancel()
		if err := relay.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Warn("Relay did not finish its cycle in time")
		}
		return nil
	})
	g.Go(func() error {
		purgeProcessed(gctx, repo, logger)
		return nil
	})
	g.Go(func() error {
		cluster.HealthCheckLoop(gctx, 30*time.Second, nil)
		return nil
	})
	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return observability.ServeMetrics(gctx, cfg.Metrics.Addr, "ledger_relay", metrics, logger)
		})
	}

	err = g.Wait()
	snap := metrics.Snapshot()
	logger.WithFields(logrus.Fields{
		"published":      snap.OutboxPublished,
		"publish_failed": snap.OutboxPublishFailed,
		"mark_failed":    snap.OutboxMarkFailed,
	}).Info("Outbox relay stopped")
	return err
}

func purgeProcessed(ctx context.Context, repo *postgres.OutboxRepository, logger *logrus.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := repo.PurgeProcessed(ctx, time.Now().UTC().Add(-processedRetention))
			if err != nil {
				logger.WithError(err).Warn("Outbox purge failed")
				continue
			}
			if n > 0 {
				logger.WithField("purged", n).Info("Processed outbox rows purged")
			}
		}
	}
}
