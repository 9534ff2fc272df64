package bus

import (
	"context"
	"sync"
)

// MemoryBus is a hand-written, in-process Producer/Consumer pair used by
// unit tests for every package that publishes to or consumes from the bus,
// avoiding a live Kafka dependency in tests the way the teacher avoids a
// live Postgres dependency with its mock repository.
type MemoryBus struct {
	mu     sync.Mutex
	topics map[string][]Message
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{topics: make(map[string][]Message)}
}

func (b *MemoryBus) Publish(_ context.Context, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics[msg.Topic] = append(b.topics[msg.Topic], msg)
	return nil
}

func (b *MemoryBus) PublishBatch(ctx context.Context, msgs []Message) error {
	for _, msg := range msgs {
		if err := b.Publish(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (b *MemoryBus) Close() error { return nil }

// Messages returns a snapshot of everything published to topic, in
// publish order.
func (b *MemoryBus) Messages(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.topics[topic]))
	copy(out, b.topics[topic])
	return out
}

// Drain runs handle over every undelivered message across the given
// topics, in publish order, removing each as it's handled — a simple
// synchronous stand-in for a consumer group's claim loop.
func (b *MemoryBus) Drain(ctx context.Context, topics []string, handle HandleFunc) {
	for _, topic := range topics {
		b.mu.Lock()
		pending := b.topics[topic]
		b.topics[topic] = nil
		b.mu.Unlock()

		for _, msg := range pending {
			handle(ctx, msg)
		}
	}
}
