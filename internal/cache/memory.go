// Package cache provides caching implementations for analysis results.
package cache

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryCache is an in-process cache with per-entry TTL.
// Used by the embedded profile and as L1 in two-phase caching.
type MemoryCache struct {
	items *gocache.Cache
}

// NewMemoryCache creates an in-process cache. Expired entries are purged every cleanup interval.
func NewMemoryCache(defaultTTL, cleanup time.Duration) *MemoryCache {
	if defaultTTL <= 0 {
		defaultTTL = 15 * time.Minute
	}
	if cleanup <= 0 {
		cleanup = 2 * defaultTTL
	}
	return &MemoryCache{items: gocache.New(defaultTTL, cleanup)}
}

// Get retrieves a value from cache.
func (c *MemoryCache) Get(ctx context.Context, datasetID string, key string) ([]byte, error) {
	if datasetID == "" {
		return nil, fmt.Errorf("datasetID is required")
	}

	val, ok := c.items.Get(makeKey(datasetID, key))
	if !ok {
		return nil, nil
	}

	// Return a copy so callers cannot mutate the cached slice
	stored := val.([]byte)
	out := make([]byte, len(stored))
	copy(out, stored)
	return out, nil
}

// Set stores a value in cache. A non-positive ttl uses the default expiration.
func (c *MemoryCache) Set(ctx context.Context, datasetID string, key string, value []byte, ttl time.Duration) error {
	if datasetID == "" {
		return fmt.Errorf("datasetID is required")
	}
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	c.items.Set(makeKey(datasetID, key), stored, ttl)
	return nil
}

// Delete removes values from cache.
func (c *MemoryCache) Delete(ctx context.Context, datasetID string, keys ...string) error {
	if datasetID == "" {
		return fmt.Errorf("datasetID is required")
	}
	for _, key := range keys {
		c.items.Delete(makeKey(datasetID, key))
	}
	return nil
}

// Ping always succeeds for the in-process cache.
func (c *MemoryCache) Ping(ctx context.Context) error {
	return nil
}

// Close drops all entries.
func (c *MemoryCache) Close() error {
	c.items.Flush()
	return nil
}

// Len returns the number of entries, including expired ones not yet purged.
func (c *MemoryCache) Len() int {
	return c.items.ItemCount()
}

func makeKey(datasetID, key string) string {
	return datasetID + ":" + key
}
