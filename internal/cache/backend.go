package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"content-orchestrator/internal/common/metrics"
	"content-orchestrator/internal/models"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// Entry is one cached execution result. Entries are replaced, never
// mutated.
type Entry struct {
	Fingerprint string                  `json:"fingerprint"`
	Result      *models.ExecutionResult `json:"result"`
	CreatedAt   time.Time               `json:"createdAt"`
	ExpiresAt   time.Time               `json:"expiresAt"`
}

func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Backend stores entries by fingerprint. Get returns (nil, nil) on a miss.
type Backend interface {
	Get(ctx context.Context, fingerprint string) (*Entry, error)
	Set(ctx context.Context, entry *Entry, ttl time.Duration) error
	Delete(ctx context.Context, fingerprint string) error
	Name() string
}

// MemoryBackend is a bounded LRU whose entries also expire after the TTL
// it was built with.
type MemoryBackend struct {
	lru *expirable.LRU[string, *Entry]
}

// NewMemoryBackend holds at most maxEntries entries; maxEntries <= 0 means
// unbounded.
func NewMemoryBackend(maxEntries int, ttl time.Duration) *MemoryBackend {
	m := &MemoryBackend{}
	m.lru = expirable.NewLRU[string, *Entry](maxEntries, func(string, *Entry) {
		metrics.CacheEvictions.WithLabelValues("lru").Inc()
	}, ttl)
	return m
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) Get(_ context.Context, fingerprint string) (*Entry, error) {
	e, ok := m.lru.Get(fingerprint)
	if !ok {
		return nil, nil
	}
	return e, nil
}

// Set ignores ttl; the LRU applies the TTL it was constructed with and the
// cache checks ExpiresAt on every read.
func (m *MemoryBackend) Set(_ context.Context, entry *Entry, _ time.Duration) error {
	m.lru.Add(entry.Fingerprint, entry)
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, fingerprint string) error {
	m.lru.Remove(fingerprint)
	return nil
}

func (m *MemoryBackend) Len() int {
	return m.lru.Len()
}

// RedisBackend shares entries between processes. Values are JSON encoded
// and expire through SET ... PX.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisBackend(client redis.UniversalClient, keyPrefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: keyPrefix}
}

func (r *RedisBackend) Name() string { return "redis" }

func (r *RedisBackend) key(fingerprint string) string {
	return r.prefix + fingerprint
}

func (r *RedisBackend) Get(ctx context.Context, fingerprint string) (*Entry, error) {
	raw, err := r.client.Get(ctx, r.key(fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("redis decode %s: %w", fingerprint, err)
	}
	return &e, nil
}

func (r *RedisBackend) Set(ctx context.Context, entry *Entry, ttl time.Duration) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redis encode %s: %w", entry.Fingerprint, err)
	}
	if err := r.client.Set(ctx, r.key(entry.Fingerprint), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisBackend) Delete(ctx context.Context, fingerprint string) error {
	if err := r.client.Del(ctx, r.key(fingerprint)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
