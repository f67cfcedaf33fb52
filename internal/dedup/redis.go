package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "ledger:processed:"

// RedisStore keeps one key per applied event id with a TTL equal to the
// retention window.
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

func NewRedisStore(client redis.UniversalClient, prefix string, retention time.Duration) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisStore{client: client, prefix: prefix, retention: retention}
}

func (s *RedisStore) Seen(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, ErrEmptyID
	}
	n, err := s.client.Exists(ctx, s.key(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", eventID, err)
	}
	return n > 0, nil
}

func (s *RedisStore) Mark(ctx context.Context, eventID string) error {
	if eventID == "" {
		return ErrEmptyID
	}
	if err := s.client.Set(ctx, s.key(eventID), time.Now().UTC().Format(time.RFC3339), s.retention).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", eventID, err)
	}
	return nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) key(eventID string) string {
	return s.prefix + eventID
}

var _ Store = (*RedisStore)(nil)
