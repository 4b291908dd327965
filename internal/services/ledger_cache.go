package services

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

// BalanceCache is a read-path cache over the balances table. It only ever
// serves values that were committed; every committed mutation invalidates
// the touched accounts, so staleness is bounded by the TTL. Correctness
// stays with Postgres: a nil client disables the cache entirely.
type BalanceCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewBalanceCache(client *redis.Client, ttl time.Duration) *BalanceCache {
	return &BalanceCache{client: client, ttl: ttl}
}

func balanceKey(userID int64) string {
	return fmt.Sprintf("balance:%d", userID)
}

// Get returns the cached balance and whether it was present.
func (c *BalanceCache) Get(ctx context.Context, userID int64) (decimal.Decimal, bool) {
	if c == nil || c.client == nil {
		return decimal.Zero, false
	}
	val, err := c.client.Get(ctx, balanceKey(userID)).Result()
	if err != nil {
		return decimal.Zero, false
	}
	amount, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, false
	}
	return amount, true
}

// Set stores a committed balance. Failures are ignored: the cache is
// advisory and the next read falls through to the database.
func (c *BalanceCache) Set(ctx context.Context, userID int64, amount decimal.Decimal) {
	if c == nil || c.client == nil {
		return
	}
	c.client.Set(ctx, balanceKey(userID), amount.StringFixed(2), c.ttl)
}

// Invalidate drops the cached balances for the given users. Called after
// every committed mutation.
func (c *BalanceCache) Invalidate(ctx context.Context, userIDs ...int64) {
	if c == nil || c.client == nil || len(userIDs) == 0 {
		return
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = balanceKey(id)
	}
	c.client.Del(ctx, keys...)
}
