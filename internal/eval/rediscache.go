package eval

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache backs Cache with Redis, so a VCR cache survives across runs and
// can be shared by concurrent CI workers, unlike MemoryCache. Keys are
// namespaced under "assay:cache:" and expire after ttl (zero disables
// expiry, matching the VCR cache's "insert-or-update, last writer wins"
// contract from §5).
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to addr (e.g. "localhost:6379") and returns a Cache
// backed by it.
func NewRedisCache(addr, password string, db int, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		ttl:    ttl,
	}
}

func (c *RedisCache) Get(key string) (CachedResponse, bool, error) {
	ctx := context.Background()
	data, err := c.client.Get(ctx, cacheRedisKey(key)).Bytes()
	if err == redis.Nil {
		return CachedResponse{}, false, nil
	}
	if err != nil {
		return CachedResponse{}, false, fmt.Errorf("redis cache get: %w", err)
	}
	var resp CachedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return CachedResponse{}, false, fmt.Errorf("redis cache decode: %w", err)
	}
	return resp, true, nil
}

func (c *RedisCache) Put(key string, resp CachedResponse) error {
	ctx := context.Background()
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("redis cache encode: %w", err)
	}
	if err := c.client.Set(ctx, cacheRedisKey(key), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis cache set: %w", err)
	}
	return nil
}

func cacheRedisKey(key string) string { return "assay:cache:" + key }

// RedisEmbeddingCache backs EmbeddingCache with Redis, under the same
// namespace convention as RedisCache.
type RedisEmbeddingCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisEmbeddingCache connects to addr and returns an EmbeddingCache
// backed by it.
func NewRedisEmbeddingCache(addr, password string, db int, ttl time.Duration) *RedisEmbeddingCache {
	return &RedisEmbeddingCache{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		ttl:    ttl,
	}
}

func (c *RedisEmbeddingCache) Get(model, text string) ([]float64, bool, error) {
	ctx := context.Background()
	data, err := c.client.Get(ctx, embedRedisKey(model, text)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis embedding cache get: %w", err)
	}
	var vec []float64
	if err := json.Unmarshal(data, &vec); err != nil {
		return nil, false, fmt.Errorf("redis embedding cache decode: %w", err)
	}
	return vec, true, nil
}

func (c *RedisEmbeddingCache) Put(model, text string, vec []float64) error {
	ctx := context.Background()
	data, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("redis embedding cache encode: %w", err)
	}
	if err := c.client.Set(ctx, embedRedisKey(model, text), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis embedding cache set: %w", err)
	}
	return nil
}

// embedRedisKey hashes text rather than embedding it directly in the key:
// this is a cache-key fingerprint, not a security boundary, the same
// rationale internal/judge applies to its own md5 fingerprinting.
func embedRedisKey(model, text string) string {
	sum := md5.Sum([]byte(text))
	return fmt.Sprintf("assay:embed:%s:%s", model, hex.EncodeToString(sum[:]))
}
