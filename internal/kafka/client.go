package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"ledger-stream/internal/observability"
	"ledger-stream/internal/retry"

	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// TopicSpec describes a topic the pipeline needs.
type TopicSpec struct {
	Name              string
	Partitions        int
	ReplicationFactor int
}

// ClusterClient checks broker reachability and bootstraps topics.
type ClusterClient struct {
	brokers    []string
	logger     *logrus.Logger
	maxRetries int
	backoff    retry.Policy
}

func NewClusterClient(brokers []string, maxRetries int, logger *logrus.Logger) *ClusterClient {
	return &ClusterClient{
		brokers:    brokers,
		logger:     observability.LoggerOrDefault(logger),
		maxRetries: maxRetries,
		backoff: retry.Policy{
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			BackoffFactor:  2,
		},
	}
}

// HealthCheck tries each broker until one answers a metadata request.
func (c *ClusterClient) HealthCheck(ctx context.Context) error {
	if len(c.brokers) == 0 {
		return errors.New("no brokers configured")
	}

	var errs []error
	for _, broker := range c.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to connect to broker %s: %w", broker, err))
			continue
		}
		_, err = conn.Brokers()
		conn.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to read metadata from %s: %w", broker, err))
			continue
		}
		return nil
	}
	return errors.Join(errs...)
}

// HealthCheckLoop runs health checks periodically with reconnection logic
func (c *ClusterClient) HealthCheckLoop(ctx context.Context, interval time.Duration, onReconnect func() error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Health check loop stopped")
			return
		case <-ticker.C:
			if err := c.HealthCheck(ctx); err != nil {
				c.logger.WithError(err).Warn("Health check failed, attempting reconnection")
				if err := c.reconnectWithBackoff(ctx, onReconnect); err != nil {
					c.logger.WithError(err).Error("Reconnection failed")
				}
			}
		}
	}
}

func (c *ClusterClient) reconnectWithBackoff(ctx context.Context, onReconnect func() error) error {
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		backoff := c.backoff.Delay(attempt)
		c.logger.WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"backoff": backoff,
		}).Info("Attempting reconnection")

		if err := retry.SleepWithContext(ctx, backoff); err != nil {
			return err
		}

		if err := c.HealthCheck(ctx); err != nil {
			c.logger.WithError(err).Warn("Reconnection attempt failed")
			continue
		}

		if onReconnect != nil {
			if err := onReconnect(); err != nil {
				c.logger.WithError(err).Warn("Reconnect callback failed")
				continue
			}
		}

		c.logger.Info("Reconnection successful")
		return nil
	}

	return fmt.Errorf("failed to reconnect after %d attempts", c.maxRetries)
}

// EnsureTopics creates any missing topic through the cluster controller.
// Topics that already exist are left untouched.
func (c *ClusterClient) EnsureTopics(ctx context.Context, specs ...TopicSpec) error {
	if len(c.brokers) == 0 {
		return errors.New("no brokers configured")
	}

	conn, err := kafka.DialContext(ctx, "tcp", c.brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("failed to find controller: %w", err)
	}

	ctrlConn, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("failed to connect to controller: %w", err)
	}
	defer ctrlConn.Close()

	configs := make([]kafka.TopicConfig, 0, len(specs))
	for _, spec := range specs {
		configs = append(configs, topicConfig(spec))
	}

	if err := ctrlConn.CreateTopics(configs...); err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("failed to create topics: %w", err)
	}

	for _, spec := range specs {
		c.logger.WithFields(logrus.Fields{
			"topic":      spec.Name,
			"partitions": spec.Partitions,
		}).Info("Topic ready")
	}
	return nil
}

func topicConfig(spec TopicSpec) kafka.TopicConfig {
	partitions := spec.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	replication := spec.ReplicationFactor
	if replication <= 0 {
		replication = 1
	}
	return kafka.TopicConfig{
		Topic:             spec.Name,
		NumPartitions:     partitions,
		ReplicationFactor: replication,
	}
}

// GetBrokers returns the list of brokers
func (c *ClusterClient) GetBrokers() []string {
	return c.brokers
}
