// Package helmcache implements the Helm repository index cache (spec.md
// §4.13): a short-TTL, per-namespace memoization of rendered index
// content with an ETag, invalidated whenever a helm-chart version's
// status changes in that namespace.
package helmcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// DefaultTTL is the cache's safety-net expiry for missed invalidations.
const DefaultTTL = 30 * time.Second

// Entry is one cached namespace's rendered index.
type Entry struct {
	Content   []byte
	ETag      string
	CreatedAt time.Time
}

// Cache is an in-memory namespace -> Entry map.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]Entry
}

// New returns a Cache with the given TTL. A zero ttl defaults to
// DefaultTTL. now defaults to time.Now; tests may override it.
func New(ttl time.Duration, now func() time.Time) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{ttl: ttl, now: now, entries: make(map[string]Entry)}
}

// Get returns the cached entry for namespace, or ok=false if absent or
// older than the TTL.
func (c *Cache) Get(namespace string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[namespace]
	if !ok {
		return Entry{}, false
	}
	if c.now().Sub(e.CreatedAt) > c.ttl {
		return Entry{}, false
	}
	return e, true
}

// Set stores content for namespace, computing its ETag, and returns the
// resulting Entry.
func (c *Cache) Set(namespace string, content []byte) Entry {
	sum := sha256.Sum256(content)
	etag := fmt.Sprintf("%q", hex.EncodeToString(sum[:])[:16])

	e := Entry{Content: content, ETag: etag, CreatedAt: c.now()}

	c.mu.Lock()
	c.entries[namespace] = e
	c.mu.Unlock()
	return e
}

// Invalidate removes namespace's cached entry. The registry API calls it
// when a chart version in that namespace is approved, rejected, yanked or
// has content uploaded; webhook ingestion does not call it.
func (c *Cache) Invalidate(namespace string) {
	c.mu.Lock()
	delete(c.entries, namespace)
	c.mu.Unlock()
}

// ContextCache adapts Cache to the ctx/error-returning shape RedisCache
// exposes, so the HTTP layer can depend on one interface regardless of
// which backend is wired in.
type ContextCache struct {
	*Cache
}

// NewContextCache wraps an in-memory Cache for use behind the ctx/error
// helm cache interface.
func NewContextCache(c *Cache) ContextCache {
	return ContextCache{Cache: c}
}

// Get shadows the embedded Cache.Get with the ctx/error signature.
func (c ContextCache) Get(_ context.Context, namespace string) (Entry, bool, error) {
	e, ok := c.Cache.Get(namespace)
	return e, ok, nil
}

// Set shadows the embedded Cache.Set with the ctx/error signature.
func (c ContextCache) Set(_ context.Context, namespace string, content []byte) (Entry, error) {
	return c.Cache.Set(namespace, content), nil
}

// Invalidate shadows the embedded Cache.Invalidate with the ctx/error signature.
func (c ContextCache) Invalidate(_ context.Context, namespace string) error {
	c.Cache.Invalidate(namespace)
	return nil
}
