package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DedupBackendMemory   = "memory"
	DedupBackendRedis    = "redis"
	DedupBackendPostgres = "postgres"
)

type Config struct {
	Kafka    KafkaConfig
	Logging  LoggingConfig
	Relay    RelayConfig
	Consumer ConsumerConfig
	Retry    RetryConfig
	Ledger   LedgerConfig
	Dedup    DedupConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Metrics  MetricsConfig
}

type KafkaConfig struct {
	Brokers           []string
	EventsTopic       string
	DLQTopic          string
	ConsumerGroupID   string
	Partitions        int
	ReplicationFactor int
	Acks              int
}

type LoggingConfig struct {
	Level string
}

type RelayConfig struct {
	PollInterval   time.Duration
	BatchSize      int
	Lease          time.Duration
	PublishTimeout time.Duration
}

type ConsumerConfig struct {
	BatchSize    int
	MaxWait      time.Duration
	Workers      int
	DrainTimeout time.Duration
}

type RetryConfig struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Jitter      bool
}

type LedgerConfig struct {
	Timeout    time.Duration
	CASRetries int
}

type DedupConfig struct {
	Backend   string
	Retention time.Duration
}

type PostgresConfig struct {
	DSN string
}

type RedisConfig struct {
	Addr string
}

type MetricsConfig struct {
	// Addr serves /metrics when set, e.g. ":9090".
	Addr string
}

// Load reads .env when present, then the environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Warning: failed to read .env file: %v", err)
	}

	return &Config{
		Kafka: KafkaConfig{
			Brokers:           parseBrokers(getEnv("KAFKA_BROKERS", "localhost:9092")),
			EventsTopic:       getEnv("KAFKA_EVENTS_TOPIC", "ledger-events"),
			DLQTopic:          getEnv("KAFKA_DLQ_TOPIC", "ledger-events-dlq"),
			ConsumerGroupID:   getEnv("KAFKA_CONSUMER_GROUP_ID", "ledger-consumer-group"),
			Partitions:        getEnvInt("KAFKA_PARTITIONS", 6),
			ReplicationFactor: getEnvInt("KAFKA_REPLICATION_FACTOR", 1),
			Acks:              parseAcks(getEnv("KAFKA_PRODUCER_ACKS", "all")),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Relay: RelayConfig{
			PollInterval:   getEnvDuration("RELAY_POLL_INTERVAL", time.Second),
			BatchSize:      getEnvInt("RELAY_BATCH_SIZE", 100),
			Lease:          getEnvDuration("RELAY_LEASE", 30*time.Second),
			PublishTimeout: getEnvDuration("RELAY_PUBLISH_TIMEOUT", 5*time.Second),
		},
		Consumer: ConsumerConfig{
			BatchSize:    getEnvInt("CONSUMER_BATCH_SIZE", 100),
			MaxWait:      getEnvDuration("CONSUMER_MAX_WAIT", 500*time.Millisecond),
			Workers:      getEnvInt("CONSUMER_WORKERS", 4),
			DrainTimeout: getEnvDuration("CONSUMER_DRAIN_TIMEOUT", 30*time.Second),
		},
		Retry: RetryConfig{
			MaxRetries:  getEnvInt("RETRY_MAX", 3),
			BackoffBase: getEnvDuration("RETRY_BACKOFF_BASE", 200*time.Millisecond),
			BackoffCap:  getEnvDuration("RETRY_BACKOFF_CAP", 10*time.Second),
			Jitter:      getEnvBool("RETRY_JITTER", true),
		},
		Ledger: LedgerConfig{
			Timeout:    getEnvDuration("LEDGER_TIMEOUT", 5*time.Second),
			CASRetries: getEnvInt("LEDGER_CAS_RETRIES", 5),
		},
		Dedup: DedupConfig{
			Backend:   strings.ToLower(getEnv("DEDUP_BACKEND", DedupBackendMemory)),
			Retention: getEnvDuration("DEDUP_RETENTION", 7*24*time.Hour),
		},
		Postgres: PostgresConfig{
			DSN: getEnv("POSTGRES_DSN", ""),
		},
		Redis: RedisConfig{
			Addr: getEnv("REDIS_ADDR", "localhost:6379"),
		},
		Metrics: MetricsConfig{
			Addr: getEnv("METRICS_ADDR", ""),
		},
	}
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS cannot be empty"))
	}
	if c.Kafka.EventsTopic == "" || c.Kafka.DLQTopic == "" {
		errs = append(errs, errors.New("KAFKA_EVENTS_TOPIC and KAFKA_DLQ_TOPIC are required"))
	}
	if c.Kafka.EventsTopic != "" && c.Kafka.EventsTopic == c.Kafka.DLQTopic {
		errs = append(errs, errors.New("KAFKA_DLQ_TOPIC must differ from KAFKA_EVENTS_TOPIC"))
	}
	if c.Kafka.Partitions <= 0 {
		errs = append(errs, errors.New("KAFKA_PARTITIONS must be positive"))
	}
	if c.Relay.BatchSize <= 0 || c.Consumer.BatchSize <= 0 {
		errs = append(errs, errors.New("batch sizes must be positive"))
	}
	if c.Relay.PollInterval <= 0 || c.Relay.Lease <= 0 || c.Relay.PublishTimeout <= 0 {
		errs = append(errs, errors.New("relay durations must be positive"))
	}
	if c.Relay.Lease <= c.Relay.PublishTimeout {
		errs = append(errs, errors.New("RELAY_LEASE must exceed RELAY_PUBLISH_TIMEOUT"))
	}
	if c.Consumer.Workers <= 0 {
		errs = append(errs, errors.New("CONSUMER_WORKERS must be positive"))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("RETRY_MAX cannot be negative"))
	}
	if c.Retry.BackoffBase < 0 || c.Retry.BackoffCap < c.Retry.BackoffBase {
		errs = append(errs, errors.New("RETRY_BACKOFF_CAP must be at least RETRY_BACKOFF_BASE"))
	}
	if c.Ledger.CASRetries < 0 {
		errs = append(errs, errors.New("LEDGER_CAS_RETRIES cannot be negative"))
	}
	if c.Ledger.Timeout <= 0 {
		errs = append(errs, errors.New("LEDGER_TIMEOUT must be positive"))
	}
	if c.Dedup.Retention <= 0 {
		errs = append(errs, errors.New("DEDUP_RETENTION must be positive"))
	}

	switch c.Dedup.Backend {
	case DedupBackendMemory:
	case DedupBackendRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis dedup backend"))
		}
	case DedupBackendPostgres:
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required for the postgres dedup backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown DEDUP_BACKEND %q", c.Dedup.Backend))
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseBrokers(brokers string) []string {
	parts := strings.Split(brokers, ",")
	result := make([]string, 0, len(parts))
	for _, broker := range parts {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func parseAcks(acks string) int {
	switch strings.ToLower(acks) {
	case "all", "-1":
		return -1
	case "0":
		return 0
	case "1":
		return 1
	default:
		return -1 // default to all
	}
}
