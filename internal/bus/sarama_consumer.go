package bus

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
)

// SaramaConsumer is a Consumer backed by a Sarama consumer group with
// auto-commit disabled: every offset advance is an explicit
// session.MarkMessage + session.Commit() pair issued only after a
// message's terminal handling, per §4.F's manual-commit requirement.
type SaramaConsumer struct {
	group sarama.ConsumerGroup
}

// NewSaramaConsumer joins groupID against the given brokers. Callers
// typically name groupID "<channel>-processor-group" per §4.F.
func NewSaramaConsumer(brokers []string, groupID, clientID string) (*SaramaConsumer, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Consumer.Offsets.AutoCommit.Enable = false
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create consumer group %s: %w", groupID, err)
	}

	return &SaramaConsumer{group: group}, nil
}

func (c *SaramaConsumer) Run(ctx context.Context, topics []string, handle HandleFunc) error {
	h := &groupHandler{handle: handle}
	for {
		if err := c.group.Consume(ctx, topics, h); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("consume group session: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *SaramaConsumer) Close() error {
	return c.group.Close()
}

type groupHandler struct {
	handle HandleFunc
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			handled := h.handle(session.Context(), Message{
				Topic: msg.Topic,
				Key:   msg.Key,
				Value: msg.Value,
			})
			if !handled {
				// Unhandled exception path (§4.F step 8): do not mark or
				// commit. Returning here ends this claim without
				// advancing the offset, so the group rebalances and the
				// bus redelivers the message.
				return fmt.Errorf("message at %s[%d]@%d not committed, forcing redelivery", msg.Topic, msg.Partition, msg.Offset)
			}

			session.MarkMessage(msg, "")
			session.Commit()

		case <-session.Context().Done():
			return nil
		}
	}
}
