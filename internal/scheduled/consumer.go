// Package scheduled implements the two cooperating tasks of §4.H that
// share the coordination-store scheduled queue (§4.G): a bus consumer that
// adds due-in-the-future entries to the queue, and a poller that claims
// and republishes entries once their time has come.
package scheduled

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/notifyhub/event-driven-arch/internal/bus"
	"github.com/notifyhub/event-driven-arch/internal/coordination"
	"github.com/notifyhub/event-driven-arch/internal/domain"
)

// Consumer is the bus consumer on the delayed_notification topic; each
// message it sees is added to the scheduled queue.
type Consumer struct {
	coord  *coordination.Client
	logger *zap.Logger
}

func NewConsumer(coord *coordination.Client, logger *zap.Logger) *Consumer {
	return &Consumer{coord: coord, logger: logger}
}

func (c *Consumer) Topic() string { return domain.DelayedNotificationTopic }

func (c *Consumer) GroupID() string { return "scheduled-queue-group" }

// Handle implements bus.HandleFunc.
func (c *Consumer) Handle(ctx context.Context, raw bus.Message) bool {
	var msg domain.DelayedMessage
	if err := json.Unmarshal(raw.Value, &msg); err != nil {
		c.logger.Error("scheduled: unparseable delayed message, committing", zap.Error(err))
		return true
	}

	entry := coordination.ScheduledEntry{
		NID:              msg.NotificationID,
		RequestID:        msg.RequestID,
		ClientID:         msg.ClientID,
		ScheduledAt:      msg.ScheduledAt,
		TargetTopic:      msg.TargetTopic,
		Payload:          json.RawMessage(msg.Payload),
		PollerRetryCount: msg.PollerRetryCount,
	}

	if err := c.coord.Add(ctx, entry); err != nil {
		c.logger.Error("scheduled: add to queue failed, not committing", zap.String("nid", msg.NotificationID), zap.Error(err))
		return false
	}
	return true
}
