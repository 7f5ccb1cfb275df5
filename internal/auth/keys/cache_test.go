package keys

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"gatekeeper/internal/auth/models"
	"gatekeeper/internal/platform/logger"
	"gatekeeper/internal/platform/metrics"
)

type stubSource struct {
	mu    sync.Mutex
	keys  map[string]crypto.PublicKey
	err   error
	block chan struct{}
	now   func() time.Time
	calls atomic.Int32
}

func (s *stubSource) Fetch(ctx context.Context, tenant string) (*models.SigningKeySet, error) {
	s.calls.Add(1)
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, &KeyFetchError{Tenant: tenant, Err: ctx.Err()}
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	fetchedAt := time.Now()
	if s.now != nil {
		fetchedAt = s.now()
	}
	return models.NewSigningKeySet(tenant, "stub://"+tenant, fetchedAt, s.keys), nil
}

func (s *stubSource) publish(kid string, key crypto.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys == nil {
		s.keys = make(map[string]crypto.PublicKey)
	}
	s.keys[kid] = key
}

func (s *stubSource) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

type CacheSuite struct {
	suite.Suite
	source  *stubSource
	metrics *metrics.Metrics
	now     time.Time
	key1    crypto.PublicKey
	key2    crypto.PublicKey
}

func TestCacheSuite(t *testing.T) {
	suite.Run(t, new(CacheSuite))
}

func (s *CacheSuite) SetupTest() {
	s.source = &stubSource{}
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.now = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.source.now = func() time.Time { return s.now }
	s.key1 = generatePublicKey(s.T())
	s.key2 = generatePublicKey(s.T())
	s.source.publish("k1", s.key1)
}

func (s *CacheSuite) newCache(opts ...Option) *Cache {
	base := []Option{
		WithMetrics(s.metrics),
		WithClock(func() time.Time { return s.now }),
		WithTTL(time.Hour),
		WithRefreshInterval(time.Hour),
	}
	return NewCache(s.source, logger.Discard(), append(base, opts...)...)
}

func (s *CacheSuite) TestCachedKeyServedWithoutFetch() {
	cache := s.newCache()
	ctx := context.Background()

	key, err := cache.GetKey(ctx, "t1", "k1")
	s.Require().NoError(err)
	s.Equal(s.key1, key)

	key, err = cache.GetKey(ctx, "t1", "k1")
	s.Require().NoError(err)
	s.Equal(s.key1, key)
	s.Equal(int32(1), s.source.calls.Load())
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.KeyFetches.WithLabelValues("success")))
}

func (s *CacheSuite) TestTenantsAreCachedSeparately() {
	cache := s.newCache()
	ctx := context.Background()

	_, err := cache.GetKey(ctx, "t1", "k1")
	s.Require().NoError(err)
	_, err = cache.GetKey(ctx, "t2", "k1")
	s.Require().NoError(err)
	s.Equal(int32(2), s.source.calls.Load())
}

func (s *CacheSuite) TestExpiredSetIsRefetched() {
	cache := s.newCache()
	ctx := context.Background()

	_, err := cache.GetKey(ctx, "t1", "k1")
	s.Require().NoError(err)

	s.now = s.now.Add(time.Hour + time.Second)
	_, err = cache.GetKey(ctx, "t1", "k1")
	s.Require().NoError(err)
	s.Equal(int32(2), s.source.calls.Load())
}

func (s *CacheSuite) TestFreshnessUsesCacheClock() {
	// The source stamps sets a year ahead of the cache's clock.
	s.source.now = func() time.Time { return s.now.AddDate(1, 0, 0) }
	cache := s.newCache()
	ctx := context.Background()

	_, err := cache.GetKey(ctx, "t1", "k1")
	s.Require().NoError(err)
	_, err = cache.GetKey(ctx, "t1", "k1")
	s.Require().NoError(err)
	s.Equal(int32(1), s.source.calls.Load())

	s.now = s.now.Add(time.Hour + time.Second)
	_, err = cache.GetKey(ctx, "t1", "k1")
	s.Require().NoError(err)
	s.Equal(int32(2), s.source.calls.Load())
}

func (s *CacheSuite) TestRotationPicksUpNewKid() {
	cache := s.newCache()
	ctx := context.Background()

	_, err := cache.GetKey(ctx, "t1", "k1")
	s.Require().NoError(err)

	s.source.publish("k2", s.key2)
	key, err := cache.GetKey(ctx, "t1", "k2")
	s.Require().NoError(err)
	s.Equal(s.key2, key)
	s.Equal(int32(2), s.source.calls.Load())
}

func (s *CacheSuite) TestUnknownKidRefreshIsThrottled() {
	cache := s.newCache()
	ctx := context.Background()

	_, err := cache.GetKey(ctx, "t1", "k1")
	s.Require().NoError(err)

	for range 5 {
		_, err = cache.GetKey(ctx, "t1", "forged")
		s.ErrorIs(err, ErrKeyNotFound)
	}
	s.Equal(int32(2), s.source.calls.Load(), "only the first unknown kid refreshes within the interval")
	s.Equal(float64(4), testutil.ToFloat64(s.metrics.KeyFetches.WithLabelValues("throttled")))

	// Known kids are still served from the cache.
	_, err = cache.GetKey(ctx, "t1", "k1")
	s.NoError(err)
}

func (s *CacheSuite) TestUnthrottledWhenIntervalIsZero() {
	cache := s.newCache(WithRefreshInterval(0))
	ctx := context.Background()

	_, err := cache.GetKey(ctx, "t1", "k1")
	s.Require().NoError(err)
	for range 3 {
		_, err = cache.GetKey(ctx, "t1", "forged")
		s.ErrorIs(err, ErrKeyNotFound)
	}
	s.Equal(int32(4), s.source.calls.Load())
}

func (s *CacheSuite) TestFetchFailureIsTyped() {
	s.source.fail(errors.New("boom"))
	cache := s.newCache()

	_, err := cache.GetKey(context.Background(), "t1", "k1")
	var fetchErr *KeyFetchError
	s.Require().ErrorAs(err, &fetchErr)
	s.Equal("t1", fetchErr.Tenant)
	s.NotErrorIs(err, ErrKeyNotFound)
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.KeyFetches.WithLabelValues("error")))
}

func (s *CacheSuite) TestFailedFetchKeepsPreviousSet() {
	cache := s.newCache()
	ctx := context.Background()

	_, err := cache.GetKey(ctx, "t1", "k1")
	s.Require().NoError(err)

	s.source.fail(errors.New("boom"))
	_, err = cache.GetKey(ctx, "t1", "k2")
	var fetchErr *KeyFetchError
	s.ErrorAs(err, &fetchErr)

	key, err := cache.GetKey(ctx, "t1", "k1")
	s.Require().NoError(err)
	s.Equal(s.key1, key)
}

func (s *CacheSuite) TestInvalidateForcesFetch() {
	cache := s.newCache()
	ctx := context.Background()

	_, err := cache.GetKey(ctx, "t1", "k1")
	s.Require().NoError(err)
	cache.Invalidate("t1")
	_, err = cache.GetKey(ctx, "t1", "k1")
	s.Require().NoError(err)
	s.Equal(int32(2), s.source.calls.Load())
}

func (s *CacheSuite) TestConcurrentMissesShareOneFetch() {
	s.source.block = make(chan struct{})
	cache := s.newCache()
	ctx := context.Background()

	const callers = 20
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.GetKey(ctx, "t1", "k1")
			errs <- err
		}()
	}

	s.Eventually(func() bool { return s.source.calls.Load() == 1 }, time.Second, time.Millisecond)
	// Give the remaining callers time to join the in-flight fetch.
	time.Sleep(20 * time.Millisecond)
	close(s.source.block)
	wg.Wait()
	close(errs)

	for err := range errs {
		s.NoError(err)
	}
	s.Equal(int32(1), s.source.calls.Load())
}

func (s *CacheSuite) TestCancelledWaiterDoesNotAbortSharedFetch() {
	s.source.block = make(chan struct{})
	cache := s.newCache()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := cache.GetKey(ctx, "t1", "k1")
		done <- err
	}()

	s.Eventually(func() bool { return s.source.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()

	err := <-done
	var fetchErr *KeyFetchError
	s.Require().ErrorAs(err, &fetchErr)
	s.ErrorIs(err, context.Canceled)

	close(s.source.block)
	s.Eventually(func() bool {
		key, err := cache.GetKey(context.Background(), "t1", "k1")
		return err == nil && key == s.key1
	}, time.Second, 5*time.Millisecond)
	s.Equal(int32(1), s.source.calls.Load())
}

func TestCacheFetchTimeout(t *testing.T) {
	source := &stubSource{block: make(chan struct{})}
	defer close(source.block)
	cache := NewCache(source, logger.Discard(), WithFetchTimeout(20*time.Millisecond))

	_, err := cache.GetKey(context.Background(), "t1", "k1")
	var fetchErr *KeyFetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func generatePublicKey(t *testing.T) crypto.PublicKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &key.PublicKey
}
