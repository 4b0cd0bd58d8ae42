package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// invalidateScript deletes every member of a tag set and the set itself
// in one step, so a concurrent Set cannot slip between read and delete
var invalidateScript = redis.NewScript(`
local members = redis.call('SMEMBERS', KEYS[1])
for i = 1, #members, 500 do
	redis.call('DEL', unpack(members, i, math.min(i + 499, #members)))
end
redis.call('DEL', KEYS[1])
return #members
`)

// RedisBackend implements Backend on Redis. Tags are Redis sets holding
// the full keys stored under them.
type RedisBackend struct {
	client *redis.Client
	config Config
}

// RedisConfig holds Redis-specific configuration
type RedisConfig struct {
	// Addr is the Redis server address (host:port)
	Addr string
	// Password is the Redis password (optional)
	Password string
	// DB is the Redis database number
	DB int
	// Config holds common cache configuration
	Config Config
}

// DefaultRedisConfig returns a default Redis configuration
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:   "localhost:6379",
		Config: DefaultConfig(),
	}
}

// NewRedisBackend connects to Redis and checks the connection
func NewRedisBackend(ctx context.Context, config RedisConfig) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis %s: %w", config.Addr, err)
	}

	return NewRedisBackendWithClient(client, config.Config), nil
}

// NewRedisBackendWithClient wraps an existing client
func NewRedisBackendWithClient(client *redis.Client, config Config) *RedisBackend {
	return &RedisBackend{client: client, config: config}
}

func (r *RedisBackend) tagKey(tag string) string {
	return r.config.Prefix + "tag:" + tag
}

// Get retrieves a value from the cache
func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, r.config.Prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrCacheMiss, key)
		}
		return nil, err
	}
	return value, nil
}

// Set stores the value and adds it to each tag set in one transaction
func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) error {
	if ttl == 0 {
		ttl = r.config.DefaultTTL
	}
	fullKey := r.config.Prefix + key

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, fullKey, value, ttl)
		for _, tag := range tags {
			pipe.SAdd(ctx, r.tagKey(tag), fullKey)
		}
		return nil
	})
	return err
}

// Invalidate removes every value stored under the tags
func (r *RedisBackend) Invalidate(ctx context.Context, tags ...string) error {
	for _, tag := range tags {
		if err := invalidateScript.Run(ctx, r.client, []string{r.tagKey(tag)}).Err(); err != nil {
			return fmt.Errorf("invalidate %s: %w", tag, err)
		}
	}
	return nil
}

// Clear removes all values with the configured prefix
func (r *RedisBackend) Clear(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.config.Prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Close closes the Redis connection
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
