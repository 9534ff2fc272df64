// Package dispatch implements the per-channel dispatch consumer (§4.F):
// one bus.Consumer per registered channel, validating, rate limiting, and
// sending each notification exactly once per the idempotency lock,
// scheduling a retry or terminal failure as required.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/event-driven-arch/internal/bus"
	"github.com/notifyhub/event-driven-arch/internal/coordination"
	"github.com/notifyhub/event-driven-arch/internal/domain"
	"github.com/notifyhub/event-driven-arch/internal/metrics"
	"github.com/notifyhub/event-driven-arch/internal/ratelimiter"
	"github.com/notifyhub/event-driven-arch/internal/registry"
	"github.com/notifyhub/event-driven-arch/internal/repository"
)

type Consumer struct {
	channel        domain.Channel
	coord          *coordination.Client
	registry       *registry.Registry
	router         *registry.Router
	producer       bus.Producer
	statusOutbox   repository.StatusOutboxRepository
	notifications  repository.NotificationRepository
	maxRetries     int
	processingTTL  time.Duration
	idempotencyTTL time.Duration
	retryBaseDelay time.Duration
	logger         *zap.Logger
	metrics        metrics.Recorder
	localLimiter   *ratelimiter.ChannelLimiters
}

func NewConsumer(
	channel domain.Channel,
	coord *coordination.Client,
	reg *registry.Registry,
	router *registry.Router,
	producer bus.Producer,
	statusOutbox repository.StatusOutboxRepository,
	notifications repository.NotificationRepository,
	maxRetries int,
	processingTTL time.Duration,
	idempotencyTTL time.Duration,
	retryBaseDelay time.Duration,
	logger *zap.Logger,
) *Consumer {
	return &Consumer{
		channel:        channel,
		coord:          coord,
		registry:       reg,
		router:         router,
		producer:       producer,
		statusOutbox:   statusOutbox,
		notifications:  notifications,
		maxRetries:     maxRetries,
		processingTTL:  processingTTL,
		idempotencyTTL: idempotencyTTL,
		retryBaseDelay: retryBaseDelay,
		logger:         logger,
		metrics:        metrics.Noop{},
	}
}

// SetLocalLimiter attaches the process-local fast-path rate limiter. Left
// unset, every send falls straight through to the authoritative
// coordination-store token bucket.
func (c *Consumer) SetLocalLimiter(l *ratelimiter.ChannelLimiters) {
	c.localLimiter = l
}

// SetMetrics attaches a metrics recorder, replacing the no-op default.
func (c *Consumer) SetMetrics(m metrics.Recorder) {
	c.metrics = m
}

// GroupID is this channel's consumer-group name per §4.F.
func (c *Consumer) GroupID() string {
	return string(c.channel) + "-processor-group"
}

// Topic is the channel topic this consumer subscribes to.
func (c *Consumer) Topic() string {
	return domain.ChannelTopic(c.channel)
}

// Handle implements bus.HandleFunc: the exact 8-step flow of §4.F.
// Returning true commits the message's offset; false leaves it
// uncommitted so the bus redelivers it.
func (c *Consumer) Handle(ctx context.Context, raw bus.Message) bool {
	start := time.Now()
	var msg domain.ChannelMessage
	if err := json.Unmarshal(raw.Value, &msg); err != nil {
		// Step 1: parse failure is poison-pill isolation — commit and move on.
		c.logger.Error("dispatch: unparseable message, committing", zap.Error(err))
		return true
	}

	log := c.logger.With(zap.String("notification_id", msg.NotificationID), zap.String("channel", string(c.channel)))

	provider, ok := c.resolveProvider(msg.Provider)
	if !ok {
		log.Warn("dispatch: no provider available for validation, committing")
		return true
	}

	// Step 2: validate against the selected provider's schema.
	if err := provider.ValidateRecipient(msg.Recipient); err != nil {
		log.Warn("dispatch: recipient validation failed, committing", zap.Error(err))
		return true
	}
	if err := provider.ValidateContent(msg.Content); err != nil {
		log.Warn("dispatch: content validation failed, committing", zap.Error(err))
		return true
	}

	// Step 3: acquire the processing lock.
	lockResult, err := c.coord.TryAcquireProcessingLock(ctx, msg.NotificationID, c.processingTTL)
	if err != nil {
		log.Error("dispatch: idempotency lock unavailable, not committing", zap.Error(err))
		return false
	}
	switch lockResult {
	case coordination.LockRejected:
		log.Info("dispatch: duplicate delivery attempt rejected, committing")
		return true
	case coordination.LockAcquiredRetry:
		log.Info("dispatch: retrying a previously failed attempt")
	}

	// Step 4: rate limit. A process-local fast-path check, when configured,
	// rejects an obviously over-limit send without a coordination-store
	// round trip; it never replaces the authoritative check below, since
	// every dispatcher process only sees its own share of channel traffic.
	if c.localLimiter != nil && !c.localLimiter.Allow(c.channel) {
		return c.handleRateLimited(ctx, log, msg, coordination.ConsumeResult{Allowed: false, RetryAfterMS: c.retryBaseDelay.Milliseconds()})
	}

	rl := provider.RateLimitConfig()
	consume, err := c.coord.ConsumeToken(ctx, c.channel, rl.MaxTokens, rl.RefillRate)
	if err != nil {
		log.Error("dispatch: rate limiter unavailable, not committing", zap.Error(err))
		return false
	}
	if !consume.Allowed {
		return c.handleRateLimited(ctx, log, msg, consume)
	}

	// Step 5: invoke the router.
	n := channelMessageToNotification(msg)
	result := c.router.SendWithFallback(ctx, c.channel, msg.Provider, n)

	if result.Success {
		return c.handleSuccess(ctx, log, msg, result, start)
	}
	return c.handleFailure(ctx, log, msg, result, start)
}

func (c *Consumer) resolveProvider(explicitID *string) (registry.Provider, bool) {
	if explicitID != nil {
		return c.registry.Get(*explicitID)
	}
	return c.registry.DefaultFor(c.channel)
}

func (c *Consumer) handleRateLimited(ctx context.Context, log *zap.Logger, msg domain.ChannelMessage, consume coordination.ConsumeResult) bool {
	newRetryCount := msg.RetryCount + 1
	if newRetryCount > c.maxRetries {
		c.recordTerminalOutcome(ctx, log, msg.NotificationID, domain.StatusOutboxFailed)
		c.metrics.ObserveSend(c.channel, "failed", 0)
		if err := c.coord.SetFailed(ctx, msg.NotificationID, c.idempotencyTTL); err != nil {
			log.Error("dispatch: setFailed failed after exhausting retries on rate limit", zap.Error(err))
			return false
		}
		if err := c.publishStatus(ctx, msg, "failed", "rate limit retries exhausted"); err != nil {
			log.Error("dispatch: publish terminal status failed", zap.Error(err))
			return false
		}
		return true
	}

	delay := time.Duration(consume.RetryAfterMS) * time.Millisecond
	if err := c.scheduleRetry(ctx, msg, delay, newRetryCount); err != nil {
		log.Error("dispatch: scheduling rate-limit retry failed", zap.Error(err))
		return false
	}
	c.recordRetry(ctx, log, msg.NotificationID, "rate limited, retry scheduled")
	if err := c.coord.SetFailed(ctx, msg.NotificationID, c.idempotencyTTL); err != nil {
		log.Error("dispatch: releasing lock after rate-limit retry failed", zap.Error(err))
		return false
	}
	return true
}

func (c *Consumer) handleSuccess(ctx context.Context, log *zap.Logger, msg domain.ChannelMessage, result registry.DeliveryResult, start time.Time) bool {
	// Record the delivery fact durably before anything else: if the
	// process dies between here and a committed status message, the
	// recovery reconciler still has a row to cross-check the stuck
	// notification against (a ghost delivery) instead of just the
	// volatile bus topic.
	c.recordTerminalOutcome(ctx, log, msg.NotificationID, domain.StatusOutboxDelivered)
	c.metrics.ObserveSend(c.channel, "delivered", time.Since(start))

	if err := c.coord.SetDelivered(ctx, msg.NotificationID, c.idempotencyTTL); err != nil {
		// A send has already happened; losing the idempotency update is a
		// ghost-delivery risk the recovery reconciler resolves. We still
		// publish the delivered status and commit, per §4.F step 6.
		log.Warn("dispatch: setDelivered failed after a successful send, potential ghost delivery", zap.Error(err))
	}
	if err := c.publishStatus(ctx, msg, "delivered", ""); err != nil {
		log.Error("dispatch: publish delivered status failed", zap.Error(err))
		return false
	}
	return true
}

func (c *Consumer) handleFailure(ctx context.Context, log *zap.Logger, msg domain.ChannelMessage, result registry.DeliveryResult, start time.Time) bool {
	newRetryCount := msg.RetryCount + 1
	errMessage := ""
	retryable := false
	if result.Err != nil {
		errMessage = result.Err.Message
		retryable = result.Err.Retryable
	}
	terminal := !retryable || newRetryCount > c.maxRetries

	if terminal {
		c.recordTerminalOutcome(ctx, log, msg.NotificationID, domain.StatusOutboxFailed)
		c.metrics.ObserveSend(c.channel, "failed", time.Since(start))
		if err := c.coord.SetFailed(ctx, msg.NotificationID, c.idempotencyTTL); err != nil {
			log.Error("dispatch: setFailed failed on terminal failure", zap.Error(err))
			return false
		}
		if err := c.publishStatus(ctx, msg, "failed", errMessage); err != nil {
			log.Error("dispatch: publish terminal status failed", zap.Error(err))
			return false
		}
		return true
	}

	delay := time.Duration(math.Pow(2, float64(newRetryCount))) * c.retryBaseDelay
	if err := c.scheduleRetry(ctx, msg, delay, newRetryCount); err != nil {
		log.Error("dispatch: scheduling retry failed", zap.Error(err))
		return false
	}
	c.recordRetry(ctx, log, msg.NotificationID, errMessage)
	if err := c.coord.SetFailed(ctx, msg.NotificationID, c.idempotencyTTL); err != nil {
		log.Error("dispatch: releasing lock after scheduled retry failed", zap.Error(err))
		return false
	}
	return true
}

// recordRetry is best-effort, mirroring recordTerminalOutcome: a failure to
// persist the retry count only weakens recovery's visibility into why a
// notification is still pending, it never blocks the retry itself.
func (c *Consumer) recordRetry(ctx context.Context, log *zap.Logger, nid, errMessage string) {
	if err := c.notifications.IncrementRetry(ctx, nid, errMessage); err != nil {
		log.Warn("dispatch: recording retry count failed", zap.Error(err))
	}
}

// recordTerminalOutcome is best-effort: a failure to write it only
// weakens recovery's ghost-delivery detection, it never blocks the
// commit decision for the message that just sent or terminally failed.
func (c *Consumer) recordTerminalOutcome(ctx context.Context, log *zap.Logger, nid string, status domain.StatusOutboxStatus) {
	if err := c.statusOutbox.Insert(ctx, &domain.StatusOutboxRow{NID: nid, Status: status}); err != nil {
		log.Warn("dispatch: recording status outbox row failed", zap.Error(err))
	}
}

func (c *Consumer) scheduleRetry(ctx context.Context, msg domain.ChannelMessage, delay time.Duration, newRetryCount int) error {
	retryMsg := msg
	retryMsg.RetryCount = newRetryCount
	payload, err := json.Marshal(retryMsg)
	if err != nil {
		return fmt.Errorf("encode retry payload: %w", err)
	}

	delayed := domain.DelayedMessage{
		NotificationID: msg.NotificationID,
		RequestID:      msg.RequestID,
		ClientID:       msg.ClientID,
		ScheduledAt:    time.Now().Add(delay).UnixMilli(),
		TargetTopic:    domain.ChannelTopic(c.channel),
		Payload:        domain.RawPayload(payload),
		CreatedAt:      time.Now(),
	}
	delayedBytes, err := json.Marshal(delayed)
	if err != nil {
		return fmt.Errorf("encode delayed message: %w", err)
	}

	return c.producer.Publish(ctx, bus.Message{
		Topic: domain.DelayedNotificationTopic,
		Key:   []byte(msg.NotificationID),
		Value: delayedBytes,
	})
}

func (c *Consumer) publishStatus(ctx context.Context, msg domain.ChannelMessage, status, message string) error {
	sm := domain.StatusMessage{
		NotificationID: msg.NotificationID,
		RequestID:      msg.RequestID,
		ClientID:       msg.ClientID,
		Channel:        c.channel,
		Status:         status,
		Message:        message,
		RetryCount:     msg.RetryCount,
		WebhookURL:     msg.WebhookURL,
		CreatedAt:      time.Now(),
	}
	body, err := json.Marshal(sm)
	if err != nil {
		return fmt.Errorf("encode status message: %w", err)
	}
	return c.producer.Publish(ctx, bus.Message{
		Topic: domain.NotificationStatusTopic,
		Key:   []byte(msg.NotificationID),
		Value: body,
	})
}

func channelMessageToNotification(msg domain.ChannelMessage) *domain.Notification {
	return &domain.Notification{
		NID:        msg.NotificationID,
		RequestID:  msg.RequestID,
		ClientID:   msg.ClientID,
		Channel:    msg.Channel,
		Provider:   msg.Provider,
		Recipient:  msg.Recipient,
		Content:    msg.Content,
		Variables:  msg.Variables,
		WebhookURL: msg.WebhookURL,
		RetryCount: msg.RetryCount,
	}
}
