package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/modelbridge/gateway/internal/crypto"
	"github.com/modelbridge/gateway/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Cache is the storage backend contract. Entries are never mutated, only
// replaced or expired.
type Cache interface {
	Get(ctx context.Context, key string) (*domain.Response, bool)
	Set(ctx context.Context, key string, resp *domain.Response, ttl time.Duration) error
}

type InMemoryCache struct {
	mu    sync.RWMutex
	items map[string]*cacheItem
}

type cacheItem struct {
	response  *domain.Response
	expiresAt time.Time
}

func NewInMemoryCache() *InMemoryCache {
	c := &InMemoryCache{
		items: make(map[string]*cacheItem),
	}
	go c.cleanup()
	return c
}

func (c *InMemoryCache) Get(ctx context.Context, key string) (*domain.Response, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[key]
	if !ok {
		return nil, false
	}

	if time.Now().After(item.expiresAt) {
		return nil, false
	}

	return item.response, true
}

func (c *InMemoryCache) Set(ctx context.Context, key string, resp *domain.Response, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = &cacheItem{
		response:  resp,
		expiresAt: time.Now().Add(ttl),
	}

	return nil
}

func (c *InMemoryCache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		now := time.Now()
		for key, item := range c.items {
			if now.After(item.expiresAt) {
				delete(c.items, key)
			}
		}
		c.mu.Unlock()
	}
}

type RedisCache struct {
	client *redis.Client
	enc    *crypto.Encryptor
}

func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisCache{client: client}, nil
}

// NewRedisCacheWithClient wraps an already connected client.
func NewRedisCacheWithClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// WithEncryptor encrypts entries before they reach the shared store.
// Entries written under a different key read back as misses.
func (c *RedisCache) WithEncryptor(enc *crypto.Encryptor) *RedisCache {
	c.enc = enc
	return c
}

func (c *RedisCache) Get(ctx context.Context, key string) (*domain.Response, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}

	if c.enc != nil {
		plain, err := c.enc.Decrypt(string(data))
		if err != nil {
			return nil, false
		}
		data = []byte(plain)
	}

	var resp domain.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false
	}

	return &resp, true
}

func (c *RedisCache) Set(ctx context.Context, key string, resp *domain.Response, ttl time.Duration) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}

	if c.enc != nil {
		sealed, err := c.enc.Encrypt(string(data))
		if err != nil {
			return err
		}
		data = []byte(sealed)
	}

	return c.client.Set(ctx, key, data, ttl).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
