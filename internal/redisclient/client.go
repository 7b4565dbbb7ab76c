package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Client wraps Redis for the three concerns the service uses it for:
// report caching, idempotent purchase creation, and a best-effort
// cross-instance reconcile lock.
type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client.
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// CacheReport stores a computed report as JSON with a TTL. Keys carry the
// shop id so invalidation can target one shop.
func (c *Client) CacheReport(ctx context.Context, shopID, reportKey string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	return c.rdb.Set(ctx, reportCacheKey(shopID, reportKey), data, ttl).Err()
}

// GetCachedReport loads a cached report into out. Returns false on a miss.
func (c *Client) GetCachedReport(ctx context.Context, shopID, reportKey string, out interface{}) (bool, error) {
	data, err := c.rdb.Get(ctx, reportCacheKey(shopID, reportKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached report: %w", err)
	}
	return true, nil
}

// InvalidateReports drops all cached reports of one shop. Called after any
// mutation so reports never serve data older than the cache TTL anyway.
func (c *Client) InvalidateReports(ctx context.Context, shopID string) error {
	iter := c.rdb.Scan(ctx, 0, fmt.Sprintf("report:%s:*", shopID), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// ClaimIdempotencyKey stores key -> purchaseID if the key is unused.
// Returns the already-stored purchase id when the key was claimed before.
func (c *Client) ClaimIdempotencyKey(ctx context.Context, key, purchaseID string, ttl time.Duration) (existing string, claimed bool, err error) {
	redisKey := fmt.Sprintf("idempotency:%s", key)

	ok, err := c.rdb.SetNX(ctx, redisKey, purchaseID, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return "", true, nil
	}

	existing, err = c.rdb.Get(ctx, redisKey).Result()
	if errors.Is(err, redis.Nil) {
		// Key expired between SetNX and Get; treat as claimed by us.
		return "", true, c.rdb.Set(ctx, redisKey, purchaseID, ttl).Err()
	}
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}

// ReleaseIdempotencyKey drops a claimed key so the key becomes reusable.
// Called when the operation the claim guarded did not complete.
func (c *Client) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("idempotency:%s", key)).Err()
}

// AcquireLock acquires a distributed lock
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:%s", lockKey)).Err()
}

func reportCacheKey(shopID, reportKey string) string {
	return fmt.Sprintf("report:%s:%s", shopID, reportKey)
}
