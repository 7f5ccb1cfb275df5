package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"gatekeeper/internal/auth/models"
	"gatekeeper/pkg/platform/sentinel"
)

// Store holds in-flight login attempts keyed by CSRF token. Take is atomic:
// at most one caller ever receives a given state.
type Store interface {
	Put(ctx context.Context, state *models.FlowState) error
	Take(ctx context.Context, csrfToken string) (*models.FlowState, error)
}

// MemoryStore is a bounded-lifetime map of flow states. Expired entries are
// dropped on access and by Sweep.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]*models.FlowState
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string]*models.FlowState),
		now:    time.Now,
	}
}

func (s *MemoryStore) Put(_ context.Context, state *models.FlowState) error {
	copied := *state
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.CSRFToken] = &copied
	return nil
}

func (s *MemoryStore) Take(_ context.Context, csrfToken string) (*models.FlowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[csrfToken]
	if !ok {
		return nil, fmt.Errorf("flow state: %w", sentinel.ErrNotFound)
	}
	delete(s.states, csrfToken)
	if state.IsExpired(s.now()) {
		return nil, fmt.Errorf("flow state: %w", sentinel.ErrExpired)
	}
	return state, nil
}

// Sweep drops abandoned login attempts and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for token, state := range s.states {
		if state.IsExpired(now) {
			delete(s.states, token)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored attempts, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

// StartSweeper runs Sweep every interval until ctx is done.
func (s *MemoryStore) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

const redisKeyPrefix = "gatekeeper:flow:"

// RedisStore shares flow states between instances. Keys expire with the
// state; Take uses GETDEL so a state is consumed exactly once.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func (s *RedisStore) Put(ctx context.Context, state *models.FlowState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode flow state: %w", err)
	}
	ttl := time.Duration(0)
	if !state.ExpiresAt.IsZero() {
		ttl = state.ExpiresAt.Sub(s.now())
		if ttl <= 0 {
			return fmt.Errorf("flow state: %w", sentinel.ErrExpired)
		}
	}
	if err := s.client.Set(ctx, redisKeyPrefix+state.CSRFToken, payload, ttl).Err(); err != nil {
		return fmt.Errorf("store flow state: %w: %w", sentinel.ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Take(ctx context.Context, csrfToken string) (*models.FlowState, error) {
	payload, err := s.client.GetDel(ctx, redisKeyPrefix+csrfToken).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("flow state: %w", sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("take flow state: %w: %w", sentinel.ErrUnavailable, err)
	}

	var state models.FlowState
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, fmt.Errorf("decode flow state: %w", err)
	}
	if state.IsExpired(s.now()) {
		return nil, fmt.Errorf("flow state: %w", sentinel.ErrExpired)
	}
	return &state, nil
}
