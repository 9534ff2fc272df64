package scheduled

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/event-driven-arch/internal/bus"
	"github.com/notifyhub/event-driven-arch/internal/coordination"
	"github.com/notifyhub/event-driven-arch/internal/domain"
)

// Poller ticks on poll_interval_ms, claims due scheduled entries, and
// republishes each to its target channel topic (§4.H).
type Poller struct {
	coord            *coordination.Client
	producer         bus.Producer
	workerID         string
	pollInterval     time.Duration
	batchSize        int
	claimTTL         time.Duration
	maxPollerRetries int
	retryBaseDelay   time.Duration
	logger           *zap.Logger
}

func NewPoller(
	coord *coordination.Client,
	producer bus.Producer,
	workerID string,
	pollInterval time.Duration,
	batchSize int,
	claimTTL time.Duration,
	maxPollerRetries int,
	retryBaseDelay time.Duration,
	logger *zap.Logger,
) *Poller {
	return &Poller{
		coord:            coord,
		producer:         producer,
		workerID:         workerID,
		pollInterval:     pollInterval,
		batchSize:        batchSize,
		claimTTL:         claimTTL,
		maxPollerRetries: maxPollerRetries,
		retryBaseDelay:   retryBaseDelay,
		logger:           logger,
	}
}

// Run ticks until ctx is cancelled. Claims left in flight at shutdown
// expire by TTL and are retaken by any live poller.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	p.logger.Info("scheduled poller started", zap.String("worker_id", p.workerID))

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("scheduled poller stopping")
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	claimed, err := p.coord.ClaimDue(ctx, p.workerID, p.batchSize, p.claimTTL)
	if err != nil {
		p.logger.Error("claim due scheduled entries failed", zap.Error(err))
		return
	}

	for _, entry := range claimed {
		p.deliver(ctx, entry)
	}
}

func (p *Poller) deliver(ctx context.Context, claimed coordination.ClaimedEntry) {
	log := p.logger.With(zap.String("nid", claimed.Entry.NID), zap.String("target_topic", claimed.Entry.TargetTopic))

	err := p.producer.Publish(ctx, bus.Message{
		Topic: claimed.Entry.TargetTopic,
		Key:   []byte(claimed.Entry.NID),
		Value: claimed.Entry.Payload,
	})
	if err == nil {
		ok, confirmErr := p.coord.ConfirmProcessed(ctx, p.workerID, claimed)
		if confirmErr != nil {
			log.Error("confirmProcessed failed after successful publish", zap.Error(confirmErr))
			return
		}
		if !ok {
			log.Warn("lost claim before confirmProcessed; another worker may also have published")
		}
		return
	}

	log.Warn("publish to target topic failed", zap.Error(err))

	newRetryCount := claimed.Entry.PollerRetryCount + 1
	if newRetryCount > p.maxPollerRetries {
		log.Error("scheduled entry exceeded max poller retries, dropping", zap.Int("poller_retry_count", newRetryCount))
		if pubErr := p.publishTerminalStatus(ctx, claimed.Entry); pubErr != nil {
			log.Error("publish terminal status for dropped scheduled entry failed", zap.Error(pubErr))
		}
		if _, confirmErr := p.coord.ConfirmProcessed(ctx, p.workerID, claimed); confirmErr != nil {
			log.Error("drop (confirmProcessed) of exhausted scheduled entry failed", zap.Error(confirmErr))
		}
		return
	}

	backoff := time.Duration(newRetryCount) * p.retryBaseDelay
	newEntry := claimed.Entry
	newEntry.PollerRetryCount = newRetryCount
	if reAddErr := p.coord.ReAdd(ctx, claimed.RawMember, newEntry, backoff); reAddErr != nil {
		log.Error("re-add scheduled entry after publish failure failed", zap.Error(reAddErr))
	}
}

func (p *Poller) publishTerminalStatus(ctx context.Context, entry coordination.ScheduledEntry) error {
	var msg domain.ChannelMessage
	if err := json.Unmarshal(entry.Payload, &msg); err != nil {
		// The payload may be a channel message even for entries originally
		// wrapped once; fall back to a minimal status keyed on the entry.
		msg = domain.ChannelMessage{NotificationID: entry.NID, RequestID: entry.RequestID, ClientID: entry.ClientID}
	}

	sm := domain.StatusMessage{
		NotificationID: entry.NID,
		RequestID:      entry.RequestID,
		ClientID:       entry.ClientID,
		Status:         "failed",
		Message:        "scheduled delivery exceeded max poller retries",
		WebhookURL:     msg.WebhookURL,
		CreatedAt:      time.Now(),
	}
	body, err := json.Marshal(sm)
	if err != nil {
		return err
	}
	return p.producer.Publish(ctx, bus.Message{
		Topic: domain.NotificationStatusTopic,
		Key:   []byte(entry.NID),
		Value: body,
	})
}
