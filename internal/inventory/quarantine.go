package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const quarantinePrefix = "stockledger:quarantine:"

// Quarantine flags balance keys whose ledger replay diverged from the stored
// value. A flagged key rejects all writes until an operator clears it; the
// flag itself never expires.
type Quarantine struct {
	rdb *redis.Client
}

// NewQuarantine constructs a redis-backed Quarantine.
func NewQuarantine(rdb *redis.Client) *Quarantine {
	return &Quarantine{rdb: rdb}
}

// Flag marks a key as diverged, recording the reason and when it was flagged.
func (q *Quarantine) Flag(ctx context.Context, key BalanceKey, reason string) error {
	if q == nil || q.rdb == nil {
		return errors.New("inventory: quarantine not initialised")
	}
	return q.rdb.HSet(ctx, quarantinePrefix+key.String(),
		"reason", reason,
		"flagged_at", time.Now().UTC().Format(time.RFC3339),
	).Err()
}

// IsFlagged reports whether writes to the key are halted.
func (q *Quarantine) IsFlagged(ctx context.Context, key BalanceKey) (bool, error) {
	if q == nil || q.rdb == nil {
		return false, nil
	}
	n, err := q.rdb.Exists(ctx, quarantinePrefix+key.String()).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Clear lifts the quarantine after manual reconciliation.
func (q *Quarantine) Clear(ctx context.Context, key BalanceKey) error {
	if q == nil || q.rdb == nil {
		return nil
	}
	return q.rdb.Del(ctx, quarantinePrefix+key.String()).Err()
}

// List returns the flagged keys with their recorded reasons.
func (q *Quarantine) List(ctx context.Context) (map[string]string, error) {
	if q == nil || q.rdb == nil {
		return nil, nil
	}
	out := map[string]string{}
	iter := q.rdb.Scan(ctx, 0, quarantinePrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		fullKey := iter.Val()
		reason, err := q.rdb.HGet(ctx, fullKey, "reason").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		out[fullKey[len(quarantinePrefix):]] = reason
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
