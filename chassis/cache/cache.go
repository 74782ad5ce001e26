package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Cache - short-lived key/value records with expiry
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// CompareAndDelete removes key only while it still holds value and
	// reports whether this call removed it.
	CompareAndDelete(ctx context.Context, key string, value string) (bool, error)
	// Incr increments a counter; the expiry is set when the counter is created.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// RedisCache ...
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to the redis:// url.
func NewRedisCache(ctx context.Context, url string) (*RedisCache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisCache{client: client}, nil
}

// NewRedisCacheFromClient ...
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Get ...
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	value, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrMiss
	}
	return value, err
}

// Set ...
func (c *RedisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Delete ...
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

var compareAndDelete = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// CompareAndDelete ...
func (c *RedisCache) CompareAndDelete(ctx context.Context, key string, value string) (bool, error) {
	deleted, err := compareAndDelete.Run(ctx, c.client, []string{key}, value).Int()
	if err != nil {
		return false, err
	}
	return deleted == 1, nil
}

// Incr ...
func (c *RedisCache) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := c.client.Expire(ctx, key, ttl).Err(); err != nil {
			return count, err
		}
	}
	return count, nil
}

// Close ...
func (c *RedisCache) Close() error {
	return c.client.Close()
}

type item struct {
	value   string
	count   int64
	expires time.Time
}

// MemoryCache - process-local Cache
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]*item
	now   func() time.Time
}

// NewMemoryCache ...
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: map[string]*item{}, now: time.Now}
}

// SetClock replaces the time source.
func (c *MemoryCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *MemoryCache) lookup(key string) (*item, bool) {
	it, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if !it.expires.IsZero() && !c.now().Before(it.expires) {
		delete(c.items, key)
		return nil, false
	}
	return it, true
}

func (c *MemoryCache) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(ttl)
}

// Get ...
func (c *MemoryCache) Get(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.lookup(key)
	if !ok {
		return "", ErrMiss
	}
	return it.value, nil
}

// Set ...
func (c *MemoryCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = &item{value: value, expires: c.expiry(ttl)}
	return nil
}

// Delete ...
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return nil
}

// CompareAndDelete ...
func (c *MemoryCache) CompareAndDelete(ctx context.Context, key string, value string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.lookup(key)
	if !ok || it.value != value {
		return false, nil
	}
	delete(c.items, key)
	return true, nil
}

// Incr ...
func (c *MemoryCache) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.lookup(key)
	if !ok {
		it = &item{expires: c.expiry(ttl)}
		c.items[key] = it
	}
	it.count++
	return it.count, nil
}
