package internal

import (
	"context"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	gocache "github.com/eko/gocache/lib/v4/cache"
	gstore "github.com/eko/gocache/lib/v4/store"
	ristretto_store "github.com/eko/gocache/store/ristretto/v4"
)

// cache is the subset of caching behavior the engine needs. The L1 tier and
// the in-memory test cache both satisfy it.
type cache[T any] interface {
	Get(ctx context.Context, key string) (T, bool)
	GetWithTTL(ctx context.Context, key string) (T, time.Duration, bool)
	Set(ctx context.Context, key string, value T, ttl time.Duration)
	Delete(ctx context.Context, key string) error
	// Expire invalidates the key but leaves it recoverable until rewritten.
	Expire(ctx context.Context, key string) error
}

// layeredcache wraps gocache with our narrower semantics.
type layeredcache struct {
	cache   *gocache.Cache[[]byte]
	metrics *cacheMetrics
}

var _ cache[[]byte] = (*layeredcache)(nil)

// newL1Cache builds the bounded in-process tier. Sizing follows ristretto
// guidance: counters at 10x the expected max entries.
func newL1Cache(maxBytes int64, metrics *cacheMetrics) (*layeredcache, error) {
	r, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	c := gocache.New[[]byte](ristretto_store.NewRistretto(r))
	return &layeredcache{cache: c, metrics: metrics}, nil
}

func (l *layeredcache) Get(ctx context.Context, key string) ([]byte, bool) {
	v, err := l.cache.Get(ctx, key)
	if err != nil {
		l.metrics.cacheMissInc()
		return nil, false
	}
	l.metrics.cacheHitInc()
	return v, true
}

func (l *layeredcache) GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, bool) {
	v, ttl, err := l.cache.GetWithTTL(ctx, key)
	if err != nil {
		l.metrics.cacheMissInc()
		return nil, 0, false
	}
	l.metrics.cacheHitInc()
	return v, ttl, true
}

func (l *layeredcache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	_ = l.cache.Set(ctx, key, value, gstore.WithExpiration(ttl), gstore.WithCost(int64(len(value))))
}

func (l *layeredcache) Delete(ctx context.Context, key string) error {
	return l.cache.Delete(ctx, key)
}

func (l *layeredcache) Expire(ctx context.Context, key string) error {
	return l.cache.Delete(ctx, key)
}

// memoryCache is a map-backed cache for tests. It honors TTLs.
type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: map[string]memoryEntry{}}
}

var _ cache[[]byte] = (*memoryCache)(nil)

func (m *memoryCache) Get(ctx context.Context, key string) ([]byte, bool) {
	v, _, ok := m.GetWithTTL(ctx, key)
	return v, ok
}

func (m *memoryCache) GetWithTTL(_ context.Context, key string) ([]byte, time.Duration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, 0, false
	}
	ttl := time.Until(e.expires)
	if ttl <= 0 {
		return nil, 0, false
	}
	return e.value, ttl, true
}

func (m *memoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{value: value, expires: time.Now().Add(ttl)}
}

func (m *memoryCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *memoryCache) Expire(ctx context.Context, key string) error {
	return m.Delete(ctx, key)
}

// bookCacheKey is the L1 key for a canonical book.
func bookCacheKey(canonicalID string) string {
	return "b" + canonicalID
}
