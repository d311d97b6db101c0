package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching analysis results.
// Supports an in-process cache, Redis, or both as a two-phase cache.
// All methods require datasetID so keys never collide across datasets.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, datasetID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, datasetID string, key string, value []byte, ttl time.Duration) error

	// Delete removes values from cache.
	Delete(ctx context.Context, datasetID string, keys ...string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// In-process cache settings
	LocalTTL        time.Duration
	CleanupInterval time.Duration

	// Redis settings
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}
