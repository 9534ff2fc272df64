package coordination

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/notifyhub/event-driven-arch/internal/domain"
)

// ConsumeResult is the outcome of ConsumeToken.
type ConsumeResult struct {
	Allowed      bool
	RetryAfterMS int64
}

// consumeTokenScript implements §4.D's lazy-refill token bucket: refill
// continuously based on elapsed wall clock since the last refill, capped
// at max_tokens, then deduct one token if available. The whole
// read-refill-deduct-write cycle runs as one script so concurrent
// dispatchers never race on the same bucket.
var consumeTokenScript = redis.NewScript(`
local bucket = redis.call('HMGET', KEYS[1], 'tokens', 'last_refill')
local max_tokens = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = tonumber(bucket[1])
local last_refill = tonumber(bucket[2])
if tokens == nil then
	tokens = max_tokens
	last_refill = now
end

local elapsed_sec = (now - last_refill) / 1000
if elapsed_sec > 0 then
	tokens = math.min(max_tokens, tokens + elapsed_sec * refill_rate)
	last_refill = now
end

local allowed = 0
local retry_after_ms = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
else
	local deficit = 1 - tokens
	retry_after_ms = math.ceil(deficit / refill_rate * 1000)
end

redis.call('HMSET', KEYS[1], 'tokens', tostring(tokens), 'last_refill', tostring(last_refill))
redis.call('EXPIRE', KEYS[1], 3600)

return {allowed, retry_after_ms}
`)

func bucketKey(ch domain.Channel) string {
	return "bucket:" + string(ch)
}

// ConsumeToken implements consumeToken(channel) exactly per §4.D.
// refillRate is tokens/second and may be fractional (e.g. 0.5).
func (c *Client) ConsumeToken(ctx context.Context, ch domain.Channel, maxTokens int, refillRate float64) (ConsumeResult, error) {
	now := time.Now().UTC().UnixMilli()
	res, err := consumeTokenScript.Run(ctx, c.rdb, []string{bucketKey(ch)}, maxTokens, refillRate, now).Result()
	if err != nil {
		return ConsumeResult{}, fmt.Errorf("consume token for channel %s: %w", ch, err)
	}

	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return ConsumeResult{}, fmt.Errorf("unexpected consume token result shape: %v", res)
	}

	allowed, _ := pair[0].(int64)
	retryAfter, _ := pair[1].(int64)

	return ConsumeResult{
		Allowed:      allowed == 1,
		RetryAfterMS: int64(math.Max(0, float64(retryAfter))),
	}, nil
}
