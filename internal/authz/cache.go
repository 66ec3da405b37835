package authz

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const approvalKeyPrefix = "authz:approved:"

// ApprovalCache remembers positive verdicts. Denials are never cached so a
// newly activated account is admitted on its next request.
type ApprovalCache interface {
	IsApproved(ctx context.Context, key string) (bool, error)
	Remember(ctx context.Context, key string, ttl time.Duration) error
}

// cacheKey hashes the header so credentials are not stored verbatim.
func cacheKey(authorization string) string {
	sum := sha256.Sum256([]byte(authorization))
	return hex.EncodeToString(sum[:])
}

// RedisCache shares approvals between instances.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) IsApproved(ctx context.Context, key string) (bool, error) {
	_, err := c.client.Get(ctx, approvalKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *RedisCache) Remember(ctx context.Context, key string, ttl time.Duration) error {
	return c.client.Set(ctx, approvalKeyPrefix+key, "1", ttl).Err()
}

// MemoryCache keeps approvals in process.
type MemoryCache struct {
	mu      sync.Mutex
	expires map[string]time.Time
	clock   func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{expires: make(map[string]time.Time), clock: time.Now}
}

func (c *MemoryCache) IsApproved(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.expires[key]
	if !ok {
		return false, nil
	}
	if !c.clock().Before(exp) {
		delete(c.expires, key)
		return false, nil
	}
	return true, nil
}

func (c *MemoryCache) Remember(_ context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expires[key] = c.clock().Add(ttl)
	return nil
}
