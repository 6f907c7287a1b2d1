package shared

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReconcileLockKey names the redis lock guarding the reconciliation sweep so
// that overlapping cron triggers do not run it twice.
const ReconcileLockKey = "stockledger:reconcile:lock"

// AcquireLock takes a best-effort redis lock with a TTL. Returns false when
// another holder owns it.
func AcquireLock(ctx context.Context, rdb *redis.Client, key string, ttl time.Duration) (bool, error) {
	return rdb.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

// ReleaseLock drops the lock early.
func ReleaseLock(ctx context.Context, rdb *redis.Client, key string) error {
	return rdb.Del(ctx, key).Err()
}
