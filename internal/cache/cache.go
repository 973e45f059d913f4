// Package cache stores whole-pipeline results by request fingerprint and
// makes sure concurrent identical requests share one computation.
package cache

import (
	"context"
	"errors"
	"time"

	"content-orchestrator/internal/common/config"
	"content-orchestrator/internal/common/logger"
	"content-orchestrator/internal/common/metrics"
	"content-orchestrator/internal/models"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL        = time.Hour
	DefaultMaxEntries = 1000
)

// maxRejoins bounds how often a waiter starts a new flight after the one it
// joined was cancelled by its leader.
const maxRejoins = 2

// ComputeFunc produces a result for a missing fingerprint. cacheable false
// keeps a successful result out of the cache.
type ComputeFunc func(ctx context.Context) (result *models.ExecutionResult, cacheable bool, err error)

// Outcome reports how GetOrCompute satisfied a call.
type Outcome struct {
	// Hit means the result came from the cache.
	Hit bool
	// Shared means the caller waited on a computation started by another
	// caller.
	Shared bool
}

type flightResult struct {
	result *models.ExecutionResult
	hit    bool
}

// Cache is safe for concurrent use.
type Cache struct {
	backend Backend
	ttl     time.Duration
	now     func() time.Time
	flights singleflight.Group
	logger  logger.Logger
}

type Option func(*Cache)

// WithClock replaces time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func New(backend Backend, ttl time.Duration, log logger.Logger, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		backend: backend,
		ttl:     ttl,
		now:     time.Now,
		logger:  logger.Component(log, "cache").With(map[string]interface{}{"backend": backend.Name()}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewFromConfig picks the backend named by cfg.Backend. rdb is only needed
// for the redis backend.
func NewFromConfig(cfg config.CacheConfig, rdb redis.UniversalClient, log logger.Logger, opts ...Option) (*Cache, error) {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	var backend Backend
	switch cfg.Backend {
	case "", config.CacheBackendMemory:
		size := cfg.MaxEntries
		if size == 0 {
			size = DefaultMaxEntries
		}
		backend = NewMemoryBackend(size, ttl)
	case config.CacheBackendRedis:
		if rdb == nil {
			return nil, errors.New("cache: redis backend selected but no redis client configured")
		}
		backend = NewRedisBackend(rdb, cfg.KeyPrefix)
	default:
		return nil, errors.New("cache: unknown backend " + cfg.Backend)
	}
	return New(backend, ttl, log, opts...), nil
}

func (c *Cache) TTL() time.Duration { return c.ttl }

// Get returns a live entry for fingerprint. The entry's result is a copy the
// caller may annotate. Backend failures read as misses.
func (c *Cache) Get(ctx context.Context, fingerprint string) (*Entry, bool) {
	e, err := c.backend.Get(ctx, fingerprint)
	if err != nil {
		c.backendError("get", fingerprint, err)
		return nil, false
	}
	if e == nil || e.Result == nil {
		return nil, false
	}
	if e.Expired(c.now()) {
		metrics.CacheEvictions.WithLabelValues("expired").Inc()
		if err := c.backend.Delete(ctx, fingerprint); err != nil {
			c.backendError("delete", fingerprint, err)
		}
		return nil, false
	}

	out := *e
	out.Result = e.Result.Clone()
	return &out, true
}

// Store writes result under fingerprint with the cache TTL.
func (c *Cache) Store(ctx context.Context, fingerprint string, result *models.ExecutionResult) {
	if result == nil {
		return
	}
	now := c.now()
	entry := &Entry{
		Fingerprint: fingerprint,
		Result:      result.Clone(),
		CreatedAt:   now,
		ExpiresAt:   now.Add(c.ttl),
	}
	if err := c.backend.Set(ctx, entry, c.ttl); err != nil {
		c.backendError("set", fingerprint, err)
	}
}

// Invalidate drops fingerprint. The error is returned for operators; the
// execution path never depends on it.
func (c *Cache) Invalidate(ctx context.Context, fingerprint string) error {
	if err := c.backend.Delete(ctx, fingerprint); err != nil {
		c.backendError("delete", fingerprint, err)
		return err
	}
	metrics.CacheEvictions.WithLabelValues("invalidated").Inc()
	return nil
}

// GetOrCompute returns the cached result for fingerprint or runs compute
// through Compute.
func (c *Cache) GetOrCompute(ctx context.Context, fingerprint string, compute ComputeFunc) (*models.ExecutionResult, Outcome, error) {
	if e, ok := c.Get(ctx, fingerprint); ok {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return e.Result, Outcome{Hit: true}, nil
	}
	return c.Compute(ctx, fingerprint, compute)
}

// Compute runs compute for a fingerprint the caller already missed on,
// allowing at most one computation per fingerprint at a time. Callers that
// arrive during a computation wait for it; each stops waiting when its own
// ctx ends. Failed or non-cacheable results are returned but not stored.
//
// The result pointer may be shared between callers and must be cloned
// before it is modified.
func (c *Cache) Compute(ctx context.Context, fingerprint string, compute ComputeFunc) (*models.ExecutionResult, Outcome, error) {
	for rejoin := 0; ; rejoin++ {
		led := false
		ch := c.flights.DoChan(fingerprint, func() (interface{}, error) {
			led = true
			// another flight may have stored it between our miss and now
			if e, ok := c.Get(ctx, fingerprint); ok {
				return flightResult{result: e.Result, hit: true}, nil
			}

			result, cacheable, err := compute(ctx)
			if err == nil && cacheable && result != nil {
				c.Store(ctx, fingerprint, result)
			}
			return flightResult{result: result}, err
		})

		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			return nil, Outcome{Shared: true}, ctx.Err()
		}

		fr, _ := res.Val.(flightResult)
		outcome := Outcome{Hit: fr.hit, Shared: !led}
		switch {
		case outcome.Hit:
			metrics.CacheLookups.WithLabelValues("hit").Inc()
		case outcome.Shared:
			metrics.CacheLookups.WithLabelValues("shared").Inc()
		default:
			metrics.CacheLookups.WithLabelValues("miss").Inc()
		}

		if outcome.Shared && isCancellation(res.Err) && ctx.Err() == nil && rejoin < maxRejoins {
			c.logger.Debug("joined computation was cancelled by its leader, retrying", map[string]interface{}{
				"fingerprint": fingerprint,
			})
			continue
		}
		return fr.result, outcome, res.Err
	}
}

func (c *Cache) backendError(op, fingerprint string, err error) {
	metrics.CacheBackendErrors.WithLabelValues(c.backend.Name(), op).Inc()
	c.logger.Warn("cache backend error, treating as miss", map[string]interface{}{
		"op":          op,
		"fingerprint": fingerprint,
		"error":       err.Error(),
	})
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
