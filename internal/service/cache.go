package service

import (
	"context"
	"time"
)

// Cache is the slice of the Redis client the services depend on. A nil
// Cache disables report caching, idempotent creation and the sweep lock;
// *redisclient.Client is the production implementation.
type Cache interface {
	CacheReport(ctx context.Context, shopID, reportKey string, value interface{}, ttl time.Duration) error
	GetCachedReport(ctx context.Context, shopID, reportKey string, out interface{}) (bool, error)
	InvalidateReports(ctx context.Context, shopID string) error
	ClaimIdempotencyKey(ctx context.Context, key, purchaseID string, ttl time.Duration) (existing string, claimed bool, err error)
	ReleaseIdempotencyKey(ctx context.Context, key string) error
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string) error
}
