package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gatekeeper/pkg/platform/sentinel"
)

type entry struct {
	payload   []byte
	expiresAt time.Time
}

// MemoryStore keeps sessions in process memory. Sessions do not survive a
// restart and are not shared between instances.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]entry
	ttl      time.Duration
	now      func() time.Time
}

// NewMemoryStore creates a store whose sessions expire after ttl. A zero ttl
// keeps sessions until destroyed.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]entry),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		id, err := NewID()
		if err != nil {
			return "", err
		}
		if _, taken := s.sessions[id]; taken {
			continue
		}
		e := entry{payload: append([]byte(nil), payload...)}
		if s.ttl > 0 {
			e.expiresAt = s.now().Add(s.ttl)
		}
		s.sessions[id] = e
		return id, nil
	}
}

func (s *MemoryStore) Load(_ context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("session: %w", sentinel.ErrNotFound)
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		return nil, fmt.Errorf("session expired: %w", sentinel.ErrNotFound)
	}
	return append([]byte(nil), e.payload...), nil
}

func (s *MemoryStore) Destroy(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// Sweep drops expired sessions and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, e := range s.sessions {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
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
