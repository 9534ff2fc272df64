// Package coordination implements every piece of shared, ephemeral state
// that the pipeline needs across processes but that never belongs in the
// durable store: idempotency locks, per-channel token buckets, and the
// scheduled-delivery queue with its claim keys. It is backed by Redis and
// leans on embedded Lua scripts (go-redis's Eval) for every operation the
// spec requires to be atomic, following the single-round-trip discipline
// the teacher applies to its own transactional boundaries elsewhere.
package coordination

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Client wraps a go-redis client with the coordination-store operations
// used by the dispatch consumer, the scheduled consumer and poller, the
// recovery reconciler, the metrics sampler, and the admin HTTP surface.
type Client struct {
	rdb *redis.Client
}

// Connect parses a redis:// URL and verifies connectivity with a PING.
func Connect(ctx context.Context, url string) (*Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse coordination store URL: %w", err)
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping coordination store: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// NewWithRedis wraps an already-constructed *redis.Client, used by tests
// to point the coordination store at a miniredis instance.
func NewWithRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies the coordination store is reachable, used by the
// admin surface's readiness probe.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
