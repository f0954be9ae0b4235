package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// BalanceCache caches tenant balances in Redis. Every tenant carries a version
// counter in its key; invalidation bumps the counter instead of deleting keys,
// so stale entries simply age out via TTL.
type BalanceCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewBalanceCache instantiates the cache helper.
func NewBalanceCache(client *redis.Client, ttl time.Duration) *BalanceCache {
	return &BalanceCache{client: client, ttl: ttl}
}

func (c *BalanceCache) versionKey(tenantID int64) string {
	return fmt.Sprintf("ledger:balance:%d:version", tenantID)
}

func (c *BalanceCache) version(ctx context.Context, tenantID int64) (int64, error) {
	ver, err := c.client.Get(ctx, c.versionKey(tenantID)).Int64()
	if err == redis.Nil {
		if err := c.client.Set(ctx, c.versionKey(tenantID), 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	if ver <= 0 {
		ver = 1
	}
	return ver, nil
}

// Fetch loads the balance from cache or populates it via the loader. Cache
// failures degrade to a direct load, never to an error.
func (c *BalanceCache) Fetch(ctx context.Context, tenantID int64, year int, loader func(context.Context) (Balance, error)) (Balance, error) {
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	ver, err := c.version(ctx, tenantID)
	if err != nil {
		return loader(ctx)
	}
	key := fmt.Sprintf("ledger:balance:%d:%d:%d", tenantID, year, ver)

	raw, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var cached Balance
		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached, nil
		}
	}

	balance, err := loader(ctx)
	if err != nil {
		return Balance{}, err
	}
	if data, err := json.Marshal(balance); err == nil {
		_ = c.client.Set(ctx, key, data, c.ttl).Err()
	}
	return balance, nil
}

// Invalidate bumps the tenant's cache version after a committed allocation.
func (c *BalanceCache) Invalidate(ctx context.Context, tenantID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, c.versionKey(tenantID)).Err()
}
