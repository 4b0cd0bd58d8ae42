// Package cache provides a fetch cache decorator for data sources. Fetch
// results are stored in a backend under a digest of the rendered request
// and tagged with the table they came from; a successful write batch
// invalidates every tag it touches.
package cache

import (
	"context"
	"errors"
	"time"
)

// Backend stores encoded fetch results
type Backend interface {
	// Get returns ErrCacheMiss when the key is absent or expired
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with a TTL and records it under each tag
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) error

	// Invalidate removes every value recorded under the tags
	Invalidate(ctx context.Context, tags ...string) error

	// Clear removes all values
	Clear(ctx context.Context) error
}

// Config holds common configuration for cache backends
type Config struct {
	// DefaultTTL applies when Set is called with a zero TTL
	DefaultTTL time.Duration
	// Prefix is prepended to all cache keys
	Prefix string
}

// DefaultConfig returns a default cache configuration
func DefaultConfig() Config {
	return Config{
		DefaultTTL: 5 * time.Minute,
		Prefix:     "relkit:",
	}
}

// ErrCacheMiss is returned by Get when the key is not cached
var ErrCacheMiss = errors.New("cache miss")

// IsCacheMiss checks if an error is a cache miss
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}
