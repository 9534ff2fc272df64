package ratelimiter_test

import (
	"context"
	"testing"
	"time"

	"github.com/notifyhub/event-driven-arch/internal/domain"
	"github.com/notifyhub/event-driven-arch/internal/ratelimiter"
)

func TestChannelLimiters_ConfigureFractionalRate(t *testing.T) {
	cl := ratelimiter.New(10)
	ch := domain.Channel("sms")
	cl.Configure(ch, 0.5)

	if !cl.Allow(ch) {
		t.Fatalf("expected first token allowed")
	}
	if cl.Allow(ch) {
		t.Fatalf("expected bucket exhausted immediately after first consume at a 0.5/s rate")
	}
}

func TestChannelLimiters_DefaultRateAppliesToUnconfiguredChannel(t *testing.T) {
	cl := ratelimiter.New(1)
	ch := domain.Channel("unconfigured")

	if !cl.Allow(ch) {
		t.Fatalf("expected first token allowed from default rate")
	}
}

func TestChannelLimiters_WaitRespectsContextCancellation(t *testing.T) {
	cl := ratelimiter.New(0.1)
	ch := domain.Channel("email")
	cl.Allow(ch) // drain the only burst token

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := cl.Wait(ctx, ch); err == nil {
		t.Fatalf("expected context deadline error while waiting on a near-zero rate limiter")
	}
}
