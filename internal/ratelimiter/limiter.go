// Package ratelimiter provides a process-local, best-effort rate limiter
// used as a fast-path pre-check in front of the authoritative Redis-backed
// token bucket in internal/coordination. Rejecting an over-limit send here
// avoids a round trip to the coordination store for the common case; it is
// never the sole source of truth, since multiple dispatcher processes share
// one coordination-store bucket per channel.
package ratelimiter

import (
	"context"
	"math"
	"sync"

	"golang.org/x/time/rate"

	"github.com/notifyhub/event-driven-arch/internal/domain"
)

// ChannelLimiters holds one token bucket limiter per channel, built
// dynamically as channels are registered rather than from a fixed enum.
// Each limiter enforces a steady-state rate with burst equal to the rate,
// so no extra burst capacity accrues beyond the configured per-second
// maximum.
type ChannelLimiters struct {
	mu          sync.RWMutex
	limiters    map[domain.Channel]*rate.Limiter
	defaultRate float64
}

// New creates a ChannelLimiters that lazily allocates a limiter at
// defaultRatePerSec tokens/sec (may be fractional) for any channel not
// explicitly configured.
func New(defaultRatePerSec float64) *ChannelLimiters {
	return &ChannelLimiters{
		limiters:    make(map[domain.Channel]*rate.Limiter),
		defaultRate: defaultRatePerSec,
	}
}

// Configure sets an explicit rate for a channel, overriding the default.
// ratePerSec may be fractional (e.g. 0.5 tokens/sec).
func (cl *ChannelLimiters) Configure(ch domain.Channel, ratePerSec float64) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.limiters[ch] = rate.NewLimiter(rate.Limit(ratePerSec), burstFor(ratePerSec))
}

// Wait blocks until the channel's limiter grants a token, allocating a
// default-rate limiter on first use. Returns a non-nil error only if ctx
// is cancelled while waiting.
func (cl *ChannelLimiters) Wait(ctx context.Context, ch domain.Channel) error {
	return cl.limiterFor(ch).Wait(ctx)
}

// Allow reports whether a token is immediately available without blocking,
// used by the dispatcher to fail fast and fall back to scheduled re-delivery
// instead of stalling a consumer goroutine.
func (cl *ChannelLimiters) Allow(ch domain.Channel) bool {
	return cl.limiterFor(ch).Allow()
}

func (cl *ChannelLimiters) limiterFor(ch domain.Channel) *rate.Limiter {
	cl.mu.RLock()
	l, ok := cl.limiters[ch]
	cl.mu.RUnlock()
	if ok {
		return l
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()
	if l, ok := cl.limiters[ch]; ok {
		return l
	}
	l = rate.NewLimiter(rate.Limit(cl.defaultRate), burstFor(cl.defaultRate))
	cl.limiters[ch] = l
	return l
}

// burstFor sizes a limiter's burst to its steady-state rate, rounded up so
// a sub-1/sec rate still gets a usable burst of at least one token.
func burstFor(ratePerSec float64) int {
	return int(math.Max(1, math.Ceil(ratePerSec)))
}
