package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"gatekeeper/pkg/platform/sentinel"
)

const redisKeyPrefix = "gatekeeper:session:"

// RedisStore keeps sessions in Redis so they survive restarts and are shared
// between instances. Expiry is delegated to key TTLs.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Create(ctx context.Context, payload []byte) (string, error) {
	for range 3 {
		id, err := NewID()
		if err != nil {
			return "", err
		}
		created, err := s.client.SetNX(ctx, redisKeyPrefix+id, payload, s.ttl).Result()
		if err != nil {
			return "", fmt.Errorf("store session: %w: %w", sentinel.ErrUnavailable, err)
		}
		if created {
			return id, nil
		}
	}
	return "", errors.New("store session: id collision")
}

func (s *RedisStore) Load(ctx context.Context, id string) ([]byte, error) {
	payload, err := s.client.Get(ctx, redisKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("session: %w", sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w: %w", sentinel.ErrUnavailable, err)
	}
	return payload, nil
}

func (s *RedisStore) Destroy(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("destroy session: %w: %w", sentinel.ErrUnavailable, err)
	}
	return nil
}
