// Package status implements the status sink (§4.I): a bus consumer on
// notification_status that updates the durable store and fires the
// client's webhook, following the teacher's fire-and-forget async-update
// idiom (a goroutine logged on failure, never blocking the caller).
package status

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/event-driven-arch/internal/bus"
	"github.com/notifyhub/event-driven-arch/internal/domain"
	"github.com/notifyhub/event-driven-arch/internal/repository"
)

type Sink struct {
	repo       repository.NotificationRepository
	httpClient *http.Client
	logger     *zap.Logger
}

func NewSink(repo repository.NotificationRepository, webhookTimeout time.Duration, logger *zap.Logger) *Sink {
	return &Sink{
		repo:       repo,
		httpClient: &http.Client{Timeout: webhookTimeout},
		logger:     logger,
	}
}

func (s *Sink) Topic() string  { return domain.NotificationStatusTopic }
func (s *Sink) GroupID() string { return "status-sink-group" }

// Handle implements bus.HandleFunc. Per §4.I: a store-update failure must
// not commit the offset (the message redelivers); a webhook failure must
// still commit (delivery is best-effort, at-least-once from the client's
// perspective).
func (s *Sink) Handle(ctx context.Context, raw bus.Message) bool {
	var msg domain.StatusMessage
	if err := json.Unmarshal(raw.Value, &msg); err != nil {
		s.logger.Error("status: unparseable status message, committing", zap.Error(err))
		return true
	}

	log := s.logger.With(zap.String("notification_id", msg.NotificationID), zap.String("status", msg.Status))

	var updateErr error
	switch msg.Status {
	case "delivered":
		updateErr = s.repo.MarkDelivered(ctx, msg.NotificationID, "")
	case "failed":
		updateErr = s.repo.MarkFailed(ctx, msg.NotificationID, msg.Message)
	default:
		log.Warn("status: unrecognized status value, committing")
		return true
	}

	if updateErr != nil {
		log.Error("status: store update failed, not committing", zap.Error(updateErr))
		return false
	}

	if msg.WebhookURL != "" {
		s.fireWebhook(msg)
	}

	return true
}

func (s *Sink) fireWebhook(msg domain.StatusMessage) {
	go func() {
		callback := domain.WebhookCallback{
			RequestID:      msg.RequestID,
			ClientID:       msg.ClientID,
			NotificationID: msg.NotificationID,
			Status:         msg.Status,
			Channel:        msg.Channel,
			Message:        msg.Message,
			OccurredAt:     time.Now(),
		}
		body, err := json.Marshal(callback)
		if err != nil {
			s.logger.Error("status: encode webhook callback failed", zap.Error(err))
			return
		}

		req, err := http.NewRequest(http.MethodPost, msg.WebhookURL, bytes.NewReader(body))
		if err != nil {
			s.logger.Error("status: build webhook request failed", zap.Error(err))
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			s.logger.Warn("status: webhook delivery failed", zap.String("webhook_url", msg.WebhookURL), zap.Error(err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			s.logger.Warn("status: webhook returned non-2xx",
				zap.String("webhook_url", msg.WebhookURL), zap.Int("status_code", resp.StatusCode))
		}
	}()
}
