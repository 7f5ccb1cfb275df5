package keys

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"gatekeeper/internal/auth/models"
	"gatekeeper/internal/platform/metrics"
)

const (
	DefaultTTL             = time.Hour
	DefaultRefreshInterval = 30 * time.Second
	DefaultFetchTimeout    = 10 * time.Second
)

// Cache holds one signing key set per tenant and refreshes it from a Source.
// Concurrent misses for a tenant share a single fetch. Refreshes for a kid
// missing from a fresh set are throttled per tenant so unknown kids cannot
// drive a request to the provider on every call.
type Cache struct {
	source          Source
	logger          *slog.Logger
	metrics         *metrics.Metrics
	ttl             time.Duration
	refreshInterval time.Duration
	fetchTimeout    time.Duration
	now             func() time.Time

	mu       sync.RWMutex
	sets     map[string]*models.SigningKeySet
	limiters map[string]*rate.Limiter

	group singleflight.Group
}

type Option func(*Cache)

// WithTTL sets how long a fetched set is served without contacting the source.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithRefreshInterval sets the minimum spacing of unknown-kid refreshes. Zero
// disables the throttle.
func WithRefreshInterval(interval time.Duration) Option {
	return func(c *Cache) {
		if interval >= 0 {
			c.refreshInterval = interval
		}
	}
}

func WithFetchTimeout(timeout time.Duration) Option {
	return func(c *Cache) {
		if timeout > 0 {
			c.fetchTimeout = timeout
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

func NewCache(source Source, logger *slog.Logger, opts ...Option) *Cache {
	c := &Cache{
		source:          source,
		logger:          logger,
		ttl:             DefaultTTL,
		refreshInterval: DefaultRefreshInterval,
		fetchTimeout:    DefaultFetchTimeout,
		now:             time.Now,
		sets:            make(map[string]*models.SigningKeySet),
		limiters:        make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetKey returns the tenant's public key for kid. A fresh cached set that
// publishes kid is served without contacting the source. Otherwise the set is
// refreshed and kid looked up again. Failures to fetch come back as a
// *KeyFetchError; a kid the provider does not publish as ErrKeyNotFound.
func (c *Cache) GetKey(ctx context.Context, tenant, kid string) (crypto.PublicKey, error) {
	set := c.snapshot(tenant)
	fresh := set.IsFresh(c.now(), c.ttl)
	if fresh {
		if key, ok := set.Lookup(kid); ok {
			return key, nil
		}
	}

	set, err := c.refresh(ctx, tenant, set, fresh)
	if err != nil {
		return nil, err
	}
	if key, ok := set.Lookup(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("tenant %q kid %q: %w", tenant, kid, ErrKeyNotFound)
}

// Invalidate drops the tenant's cached set so the next lookup refetches.
func (c *Cache) Invalidate(tenant string) {
	c.mu.Lock()
	delete(c.sets, tenant)
	c.mu.Unlock()
}

func (c *Cache) snapshot(tenant string) *models.SigningKeySet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sets[tenant]
}

func (c *Cache) store(tenant string, set *models.SigningKeySet) {
	c.mu.Lock()
	c.sets[tenant] = set
	c.mu.Unlock()
}

// refresh joins or starts the tenant's fetch. seen is the set the caller
// looked at; if another fetch replaced it meanwhile the newer set is used.
// forced marks a refresh for a kid missing from a fresh set.
func (c *Cache) refresh(ctx context.Context, tenant string, seen *models.SigningKeySet, forced bool) (*models.SigningKeySet, error) {
	ch := c.group.DoChan(tenant, func() (any, error) {
		if current := c.snapshot(tenant); current != seen && current.IsFresh(c.now(), c.ttl) {
			return current, nil
		}
		if forced && !c.allowForced(tenant) {
			c.metrics.ObserveKeyFetch("throttled", 0)
			c.logger.DebugContext(ctx, "key refresh throttled", "tenant", tenant)
			return seen, nil
		}

		// The fetch outlives any single waiter; it is bounded by fetchTimeout.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()

		start := time.Now()
		set, err := c.source.Fetch(fetchCtx, tenant)
		elapsed := time.Since(start)
		if err != nil {
			c.metrics.ObserveKeyFetch("error", elapsed)
			var fetchErr *KeyFetchError
			if !errors.As(err, &fetchErr) {
				err = &KeyFetchError{Tenant: tenant, Err: err}
			}
			c.logger.WarnContext(ctx, "signing key fetch failed", "tenant", tenant, "error", err)
			return nil, err
		}

		c.metrics.ObserveKeyFetch("success", elapsed)
		// Freshness is judged on the cache's clock, not the source's.
		set = set.FetchedAtTime(c.now())
		c.store(tenant, set)
		c.logger.InfoContext(ctx, "signing keys refreshed",
			"tenant", tenant,
			"keys", set.Len(),
			"duration_ms", elapsed.Milliseconds(),
		)
		return set, nil
	})

	select {
	case <-ctx.Done():
		return nil, &KeyFetchError{Tenant: tenant, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		set, _ := res.Val.(*models.SigningKeySet)
		return set, nil
	}
}

func (c *Cache) allowForced(tenant string) bool {
	if c.refreshInterval == 0 {
		return true
	}
	c.mu.Lock()
	limiter, ok := c.limiters[tenant]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(c.refreshInterval), 1)
		c.limiters[tenant] = limiter
	}
	c.mu.Unlock()
	return limiter.Allow()
}
