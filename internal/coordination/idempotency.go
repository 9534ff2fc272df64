package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LockResult is the outcome of tryAcquireProcessingLock.
type LockResult string

const (
	LockAcquiredFresh LockResult = "acquired_fresh"
	LockAcquiredRetry LockResult = "acquired_retry"
	LockRejected      LockResult = "rejected"
)

type idempotencyRecord struct {
	Status    string `json:"status"`
	UpdatedAt int64  `json:"updated_at"`
}

// tryAcquireLockScript implements §4.C atomically: a fresh key is claimed
// outright, a previously-failed key is reclaimed for retry, and a
// processing-or-delivered key rejects the caller as a duplicate.
var tryAcquireLockScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if not existing then
	redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
	return 'acquired_fresh'
end
local ok, decoded = pcall(cjson.decode, existing)
if ok and decoded.status == 'failed' then
	redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
	return 'acquired_retry'
end
return 'rejected'
`)

func idemKey(nid string) string {
	return "idem:" + nid
}

// TryAcquireProcessingLock implements §4.C's three-way idempotency check
// in one round trip.
func (c *Client) TryAcquireProcessingLock(ctx context.Context, nid string, processingTTL time.Duration) (LockResult, error) {
	rec, err := json.Marshal(idempotencyRecord{Status: "processing", UpdatedAt: time.Now().UTC().UnixMilli()})
	if err != nil {
		return "", fmt.Errorf("marshal idempotency record: %w", err)
	}

	res, err := tryAcquireLockScript.Run(ctx, c.rdb, []string{idemKey(nid)}, string(rec), int(processingTTL.Seconds())).Result()
	if err != nil {
		return "", fmt.Errorf("acquire processing lock: %w", err)
	}

	switch res {
	case string(LockAcquiredFresh):
		return LockAcquiredFresh, nil
	case string(LockAcquiredRetry):
		return LockAcquiredRetry, nil
	default:
		return LockRejected, nil
	}
}

// SetDelivered and SetFailed overwrite the idempotency record with a
// long-TTL terminal entry. A failure here is logged by the caller but must
// never revert an already-performed provider send; (J) reconciles any
// resulting ghost delivery.
func (c *Client) SetDelivered(ctx context.Context, nid string, ttl time.Duration) error {
	return c.setTerminal(ctx, nid, "delivered", ttl)
}

func (c *Client) SetFailed(ctx context.Context, nid string, ttl time.Duration) error {
	return c.setTerminal(ctx, nid, "failed", ttl)
}

func (c *Client) setTerminal(ctx context.Context, nid, status string, ttl time.Duration) error {
	rec, err := json.Marshal(idempotencyRecord{Status: status, UpdatedAt: time.Now().UTC().UnixMilli()})
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}
	if err := c.rdb.Set(ctx, idemKey(nid), rec, ttl).Err(); err != nil {
		return fmt.Errorf("set idempotency record %s: %w", status, err)
	}
	return nil
}

// IdempotencyStatus reports the current idempotency record's status for a
// NID, used by the recovery reconciler to detect ghost deliveries. Returns
// ok=false if no record exists.
func (c *Client) IdempotencyStatus(ctx context.Context, nid string) (status string, ok bool, err error) {
	raw, err := c.rdb.Get(ctx, idemKey(nid)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get idempotency record: %w", err)
	}
	var rec idempotencyRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return "", false, fmt.Errorf("unmarshal idempotency record: %w", err)
	}
	return rec.Status, true, nil
}
