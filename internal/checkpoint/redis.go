package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "synthesis"

// RedisStore keeps checkpoints in Redis. Keys expire after the configured
// TTL; an index set tracks the known execution ids.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithTTL sets the checkpoint time-to-live. Zero disables expiry.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix. Default is "synthesis".
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// NewRedisStore creates a Redis-backed checkpoint store.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: defaultRedisPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(executionID string) string {
	return s.prefix + ":checkpoint:" + executionID
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":checkpoints"
}

// Save writes the checkpoint and indexes its id in one round-trip.
func (s *RedisStore) Save(ctx context.Context, executionID string, data []byte) error {
	if executionID == "" {
		return invalidID()
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(executionID), data, s.ttl)
	pipe.SAdd(ctx, s.indexKey(), executionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save %s: %w", executionID, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, executionID string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(executionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, notFound(executionID)
		}
		return nil, fmt.Errorf("redis get %s: %w", executionID, err)
	}
	return data, nil
}

func (s *RedisStore) Delete(ctx context.Context, executionID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(executionID))
	pipe.SRem(ctx, s.indexKey(), executionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete %s: %w", executionID, err)
	}
	return nil
}

// List returns the ids whose checkpoints still exist. Ids whose keys have
// expired are pruned from the index.
func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}
	if len(ids) == 0 {
		return []string{}, nil
	}

	pipe := s.client.Pipeline()
	exists := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		exists[i] = pipe.Exists(ctx, s.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}

	live := make([]string, 0, len(ids))
	var stale []any
	for i, id := range ids {
		if exists[i].Val() > 0 {
			live = append(live, id)
		} else {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		s.client.SRem(ctx, s.indexKey(), stale...)
	}
	sort.Strings(live)
	return live, nil
}

var _ Store = (*RedisStore)(nil)
