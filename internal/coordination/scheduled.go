package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const scheduledQueueKey = "sched:queue"

// ScheduledEntry is a coordination-store-owned scheduled-delivery queue
// member: the durable store never sees this shape, only (H)'s consumer and
// poller do.
type ScheduledEntry struct {
	NID              string          `json:"nid"`
	RequestID        string          `json:"request_id"`
	ClientID         string          `json:"client_id"`
	ScheduledAt      int64           `json:"scheduled_at"` // epoch ms
	TargetTopic      string          `json:"target_topic"`
	Payload          json.RawMessage `json:"payload"`
	PollerRetryCount int             `json:"poller_retry_count"`
}

// ClaimedEntry pairs a decoded entry with the exact raw member string it was
// stored under, since confirmProcessed/reAdd must ZREM that precise member —
// re-marshaling could reorder map keys or reformat floats and silently fail
// to match.
type ClaimedEntry struct {
	Entry     ScheduledEntry
	RawMember string
}

func claimKey(nid string) string {
	return "sched:claim:" + nid
}

// Add implements add(entry): insert with score = entry.scheduled_at.
func (c *Client) Add(ctx context.Context, entry ScheduledEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal scheduled entry: %w", err)
	}
	return c.rdb.ZAdd(ctx, scheduledQueueKey, redis.Z{
		Score:  float64(entry.ScheduledAt),
		Member: string(raw),
	}).Err()
}

// claimDueScript implements claimDue(limit): entries remain in the queue,
// only the claim keys are written, and only the members that won their
// claim are returned.
var claimDueScript = redis.NewScript(`
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local claimed = {}
for _, member in ipairs(members) do
	local ok, decoded = pcall(cjson.decode, member)
	if ok then
		local claim_key = 'sched:claim:' .. decoded.nid
		local set = redis.call('SET', claim_key, ARGV[3], 'NX', 'EX', ARGV[4])
		if set then
			table.insert(claimed, member)
		end
	end
end
return claimed
`)

// ClaimDue implements claimDue(limit) per §4.G.
func (c *Client) ClaimDue(ctx context.Context, workerID string, limit int, claimTTL time.Duration) ([]ClaimedEntry, error) {
	now := time.Now().UTC().UnixMilli()
	res, err := claimDueScript.Run(ctx, c.rdb, []string{scheduledQueueKey}, now, limit, workerID, int(claimTTL.Seconds())).Result()
	if err != nil {
		return nil, fmt.Errorf("claim due scheduled entries: %w", err)
	}

	members, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected claimDue result shape: %v", res)
	}

	claimed := make([]ClaimedEntry, 0, len(members))
	for _, m := range members {
		raw, ok := m.(string)
		if !ok {
			continue
		}
		var entry ScheduledEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal claimed scheduled entry: %w", err)
		}
		claimed = append(claimed, ClaimedEntry{Entry: entry, RawMember: raw})
	}
	return claimed, nil
}

// confirmProcessedScript implements confirmProcessed(entry): only the
// worker holding the claim may remove the queue entry and its claim key,
// and both disappear atomically.
var confirmProcessedScript = redis.NewScript(`
local claim_key = 'sched:claim:' .. ARGV[1]
local held_by = redis.call('GET', claim_key)
if held_by == ARGV[2] then
	redis.call('ZREM', KEYS[1], ARGV[3])
	redis.call('DEL', claim_key)
	return 1
end
return 0
`)

// ConfirmProcessed implements confirmProcessed(entry) per §4.G.
func (c *Client) ConfirmProcessed(ctx context.Context, workerID string, claimed ClaimedEntry) (bool, error) {
	res, err := confirmProcessedScript.Run(ctx, c.rdb, []string{scheduledQueueKey}, claimed.Entry.NID, workerID, claimed.RawMember).Result()
	if err != nil {
		return false, fmt.Errorf("confirm processed scheduled entry: %w", err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// releaseClaimScript implements releaseClaim(NID).
var releaseClaimScript = redis.NewScript(`
local claim_key = 'sched:claim:' .. ARGV[1]
local held_by = redis.call('GET', claim_key)
if held_by == ARGV[2] then
	redis.call('DEL', claim_key)
	return 1
end
return 0
`)

// ReleaseClaim implements releaseClaim(NID) per §4.G.
func (c *Client) ReleaseClaim(ctx context.Context, workerID, nid string) (bool, error) {
	res, err := releaseClaimScript.Run(ctx, c.rdb, []string{}, nid, workerID).Result()
	if err != nil {
		return false, fmt.Errorf("release scheduled claim: %w", err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// reAddScript implements reAdd(entry, delay_ms): delete any claim for NID,
// remove the old queue member and insert the (possibly updated) new one.
var reAddScript = redis.NewScript(`
redis.call('DEL', 'sched:claim:' .. ARGV[1])
redis.call('ZREM', KEYS[1], ARGV[2])
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
return 1
`)

// ReAdd implements reAdd(entry, delay_ms) per §4.G. newEntry is the
// (possibly retry-count-incremented) entry to store; oldMember is the raw
// member string being replaced.
func (c *Client) ReAdd(ctx context.Context, oldMember string, newEntry ScheduledEntry, delay time.Duration) error {
	newScore := time.Now().UTC().Add(delay).UnixMilli()
	newEntry.ScheduledAt = newScore
	raw, err := json.Marshal(newEntry)
	if err != nil {
		return fmt.Errorf("marshal re-added scheduled entry: %w", err)
	}

	_, err = reAddScript.Run(ctx, c.rdb, []string{scheduledQueueKey},
		newEntry.NID, oldMember, newScore, string(raw)).Result()
	if err != nil {
		return fmt.Errorf("re-add scheduled entry: %w", err)
	}
	return nil
}

// QueueDepth reports the total number of entries currently in the
// scheduled queue, used by the admin HTTP surface's queue snapshot.
func (c *Client) QueueDepth(ctx context.Context) (int64, error) {
	n, err := c.rdb.ZCard(ctx, scheduledQueueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}
