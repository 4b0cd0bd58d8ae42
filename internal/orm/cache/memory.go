package cache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryBackend implements Backend in process with TTL support
type MemoryBackend struct {
	mu     sync.Mutex
	data   map[string]cacheItem
	tags   map[string]map[string]struct{}
	config Config
	cancel context.CancelFunc
}

type cacheItem struct {
	value      []byte
	expiration time.Time
}

func (i cacheItem) expired(now time.Time) bool {
	return !i.expiration.IsZero() && now.After(i.expiration)
}

// NewMemoryBackend creates an in-memory backend that sweeps expired items
// every minute until Close
func NewMemoryBackend(config Config) *MemoryBackend {
	ctx, cancel := context.WithCancel(context.Background())
	m := &MemoryBackend{
		data:   make(map[string]cacheItem),
		tags:   make(map[string]map[string]struct{}),
		config: config,
		cancel: cancel,
	}
	go m.cleanupExpired(ctx)
	return m
}

// Get retrieves a value from the cache
func (m *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fullKey := m.config.Prefix + key

	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.data[fullKey]
	if !ok || item.expired(time.Now()) {
		delete(m.data, fullKey)
		return nil, fmt.Errorf("%w: %s", ErrCacheMiss, key)
	}
	return item.value, nil
}

// Set stores a value in the cache with a TTL. A negative TTL never expires.
func (m *MemoryBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl == 0 {
		ttl = m.config.DefaultTTL
	}
	item := cacheItem{value: value}
	if ttl > 0 {
		item.expiration = time.Now().Add(ttl)
	}
	fullKey := m.config.Prefix + key

	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[fullKey] = item
	for _, tag := range tags {
		set, ok := m.tags[tag]
		if !ok {
			set = make(map[string]struct{})
			m.tags[tag] = set
		}
		set[fullKey] = struct{}{}
	}
	return nil
}

// Invalidate removes every value stored under the tags
func (m *MemoryBackend) Invalidate(ctx context.Context, tags ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tag := range tags {
		for fullKey := range m.tags[tag] {
			delete(m.data, fullKey)
		}
		delete(m.tags, tag)
	}
	return nil
}

// Clear removes all values
func (m *MemoryBackend) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]cacheItem)
	m.tags = make(map[string]map[string]struct{})
	return nil
}

// Len returns the number of stored values, expired ones included
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

// Close stops the background sweep
func (m *MemoryBackend) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	return nil
}

func (m *MemoryBackend) cleanupExpired(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.mu.Lock()
			for k, item := range m.data {
				if item.expired(now) {
					delete(m.data, k)
				}
			}
			m.mu.Unlock()
		}
	}
}
