package bus_test

import (
	"context"
	"testing"

	"github.com/notifyhub/event-driven-arch/internal/bus"
)

func TestMemoryBus_DrainDeliversInPublishOrder(t *testing.T) {
	b := bus.NewMemoryBus()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Publish(ctx, bus.Message{Topic: "sms", Value: []byte{byte(i)}}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	var seen []byte
	b.Drain(ctx, []string{"sms"}, func(_ context.Context, msg bus.Message) bool {
		seen = append(seen, msg.Value[0])
		return true
	})

	if len(seen) != 3 || seen[0] != 0 || seen[1] != 1 || seen[2] != 2 {
		t.Fatalf("expected messages drained in publish order, got %v", seen)
	}

	if len(b.Messages("sms")) != 0 {
		t.Fatalf("expected topic drained empty after Drain")
	}
}

func TestMemoryBus_UnhandledMessageStillConsumedButFlaggedByCaller(t *testing.T) {
	b := bus.NewMemoryBus()
	ctx := context.Background()
	_ = b.Publish(ctx, bus.Message{Topic: "email", Value: []byte("x")})

	var handledFalse bool
	b.Drain(ctx, []string{"email"}, func(_ context.Context, _ bus.Message) bool {
		handledFalse = true
		return false
	})

	if !handledFalse {
		t.Fatalf("expected handler to be invoked even when it reports false")
	}
	if len(b.Messages("email")) != 0 {
		t.Fatalf("expected message consumed by Drain even when the handler reports false")
	}
}
