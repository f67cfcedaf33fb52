package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ledger-stream/internal/config"
	"ledger-stream/internal/deadletter"
	"ledger-stream/internal/dedup"
	"ledger-stream/internal/kafka"
	"ledger-stream/internal/ledger"
	"ledger-stream/internal/observability"
	"ledger-stream/internal/postgres"
	"ledger-stream/internal/retry"
	"ledger-stream/internal/service"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load()
	observability.InitLogger(cfg.Logging.Level)
	logger := observability.GetLogger()

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("Consumer exited with error")
	}
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	metrics := observability.NewProcessingMetrics()

	cluster := kafka.NewClusterClient(cfg.Kafka.Brokers, 5, logger)
	if err := cluster.EnsureTopics(ctx, kafka.Topics(cfg)...); err != nil {
		return fmt.Errorf("ensure topics: %w", err)
	}

	var pg *postgres.Postgres
	if cfg.Postgres.DSN != "" {
		var err error
		pg, err = postgres.Connect(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
	}

	var store ledger.Store
	if pg != nil {
		store = postgres.NewLedgerStore(pg.DB, logger)
	} else {
		logger.Warn("POSTGRES_DSN not set, using in-memory ledger")
		store = ledger.NewMemoryStore()
	}

	breakerCfg := ledger.DefaultBreakerConfig()
	breakerCfg.Logger = logger
	applier := ledger.NewApplier(ledger.NewBreakerStore(store, breakerCfg), ledger.ApplierConfig{
		CASRetries: cfg.Ledger.CASRetries,
		Timeout:    cfg.Ledger.Timeout,
		Logger:     logger,
	})

	g, gctx := errgroup.WithContext(ctx)

	seen, closeDedup, err := openDedup(gctx, g, cfg, pg, logger)
	if err != nil {
		return err
	}
	defer closeDedup()

	producer, err := kafka.NewProducer(cfg, logger)
	if err != nil {
		return err
	}
	defer producer.CloseGracefully(10 * time.Second)

	router := retry.NewRouter(retry.RouterConfig{
		Policy: retry.Policy{
			MaxRetries:     cfg.Retry.MaxRetries,
			InitialBackoff: cfg.Retry.BackoffBase,
			MaxBackoff:     cfg.Retry.BackoffCap,
			BackoffFactor:  2.0,
			Jitter:         cfg.Retry.Jitter,
		},
		Sink:          deadletter.NewKafkaSink(producer, cfg.Kafka.DLQTopic, logger),
		Metrics:       metrics,
		ConsumerGroup: cfg.Kafka.ConsumerGroupID,
		Logger:        logger,
	})

	processor, err := service.NewTransactionProcessor(service.ProcessorConfig{
		Applier: applier,
		Dedup:   seen,
		Router:  router,
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	reader, err := kafka.NewBatchReader(cfg, logger)
	if err != nil {
		return err
	}
	defer reader.Close()

	consumer := kafka.NewConsumer(reader, processor.Handle, kafka.ConsumerConfig{
		BatchSize:    cfg.Consumer.BatchSize,
		MaxWait:      cfg.Consumer.MaxWait,
		Workers:      cfg.Consumer.Workers,
		DrainTimeout: cfg.Consumer.DrainTimeout,
		Logger:       logger,
	})

	g.Go(func() error {
		return consumer.Start(gctx)
	})
	g.Go(func() error {
		cluster.HealthCheckLoop(gctx, 30*time.Second, nil)
		return nil
	})
	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return observability.ServeMetrics(gctx, cfg.Metrics.Addr, "ledger_consumer", metrics, logger)
		})
	}

	logger.WithFields(logrus.Fields{
		"topic":         cfg.Kafka.EventsTopic,
		"group":         cfg.Kafka.ConsumerGroupID,
		"dedup_backend": cfg.Dedup.Backend,
	}).Info("Ledger consumer running")

	err = g.Wait()
	snap := metrics.Snapshot()
	logger.WithFields(logrus.Fields{
		"total":      snap.TotalTransactions,
		"successful": snap.SuccessfulTransactions,
		"failed":     snap.FailedTransactions,
		"duplicates": snap.DuplicateTransactions,
		"dlt":        snap.DLTMessages,
	}).Info("Ledger consumer stopped")
	return err
}

func openDedup(ctx context.Context, g *errgroup.Group, cfg *config.Config, pg *postgres.Postgres, logger *logrus.Logger) (dedup.Store, func(), error) {
	switch cfg.Dedup.Backend {
	case config.DedupBackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		store := dedup.NewRedisStore(client, "", cfg.Dedup.Retention)
		if err := store.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		return store, func() { _ = client.Close() }, nil

	case config.DedupBackendPostgres:
		if pg == nil {
			return nil, nil, fmt.Errorf("postgres dedup backend requires POSTGRES_DSN")
		}
		store := postgres.NewDedupStore(pg.DB, cfg.Dedup.Retention, logger)
		g.Go(func() error {
			store.PurgeLoop(ctx, time.Hour)
			return nil
		})
		return store, func() {}, nil

	default:
		store := dedup.NewMemoryStore(cfg.Dedup.Retention, time.Minute)
		return store, func() { _ = store.Close() }, nil
	}
}
