// Package ingest is the single entry point for creating Notifications: one
// Notification row plus one Outbox row, in a single store transaction, for
// every (request, channel) pair — generalizing the teacher's
// notification_service.go from a single-channel CRUD create into the
// fan-out-per-channel, outbox-backed write §6 calls for.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyhub/event-driven-arch/internal/domain"
	"github.com/notifyhub/event-driven-arch/internal/repository"
)

type Service struct {
	repo         repository.NotificationRepository
	maxBatch     int
	logger       *zap.Logger
	now          func() time.Time
}

func NewService(repo repository.NotificationRepository, maxBatch int, logger *zap.Logger) *Service {
	return &Service{repo: repo, maxBatch: maxBatch, logger: logger, now: time.Now}
}

// Ingest implements the single-notification contract of §6: one
// Notification + Outbox row per entry in req.Channels.
func (s *Service) Ingest(ctx context.Context, req *domain.IngestRequest) (*domain.IngestResult, error) {
	if len(req.Channels) == 0 {
		return nil, domain.ErrBatchEmpty
	}

	variables, err := marshalVariables(req.Variables)
	if err != nil {
		return nil, fmt.Errorf("encode variables: %w", err)
	}

	result := &domain.IngestResult{}
	for i, ch := range req.Channels {
		channel := domain.Channel(ch)
		n := &domain.Notification{
			NID:         uuid.NewString(),
			RequestID:   req.RequestID,
			ClientID:    req.ClientID,
			Channel:     channel,
			Provider:    resolveProvider(req.Provider, len(req.Channels), i),
			Recipient:   req.Recipient,
			Content:     domain.ExtractChannelContent(req.Content, channel),
			Variables:   variables,
			WebhookURL:  req.WebhookURL,
			Status:      domain.StatusPending,
			ScheduledAt: req.ScheduledAt,
			CreatedAt:   s.now(),
			UpdatedAt:   s.now(),
		}

		if err := s.createOne(ctx, n, result); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// BatchIngest implements the batch contract of §6: one Notification +
// Outbox row per (recipient, channel) pair, subject to the configured
// |recipients| * |channel| ceiling.
func (s *Service) BatchIngest(ctx context.Context, req *domain.BatchIngestRequest) (*domain.IngestResult, error) {
	if len(req.Recipients) == 0 {
		return nil, domain.ErrBatchEmpty
	}
	if len(req.Channels) == 0 {
		return nil, domain.ErrBatchEmpty
	}
	if effective := len(req.Recipients) * len(req.Channels); effective > s.maxBatch {
		return nil, fmt.Errorf("%w: %d exceeds ceiling of %d", domain.ErrBatchTooLarge, effective, s.maxBatch)
	}

	result := &domain.IngestResult{}
	for _, recipient := range req.Recipients {
		variables, err := marshalVariables(recipient.Variables)
		if err != nil {
			return nil, fmt.Errorf("encode variables for request_id %s: %w", recipient.RequestID, err)
		}

		for i, ch := range req.Channels {
			channel := domain.Channel(ch)
			n := &domain.Notification{
				NID:         uuid.NewString(),
				RequestID:   recipient.RequestID,
				ClientID:    req.ClientID,
				Channel:     channel,
				Provider:    resolveProvider(req.Provider, len(req.Channels), i),
				Recipient:   recipient.Recipient,
				Content:     domain.ExtractChannelContent(req.Content, channel),
				Variables:   variables,
				WebhookURL:  req.WebhookURL,
				Status:      domain.StatusPending,
				ScheduledAt: req.ScheduledAt,
				CreatedAt:   s.now(),
				UpdatedAt:   s.now(),
			}

			if err := s.createOne(ctx, n, result); err != nil {
				return nil, err
			}
		}
	}

	return result, nil
}

func (s *Service) createOne(ctx context.Context, n *domain.Notification, result *domain.IngestResult) error {
	topic, payload, err := buildOutboxPayload(n, s.now())
	if err != nil {
		return fmt.Errorf("build outbox payload for request_id %s channel %s: %w", n.RequestID, n.Channel, err)
	}

	row := &domain.OutboxRow{
		NID:     n.NID,
		Topic:   topic,
		Payload: payload,
		Status:  domain.OutboxPending,
	}

	if err := s.repo.CreateWithOutbox(ctx, n, row); err != nil {
		if errors.Is(err, domain.ErrDuplicateRequest) {
			result.Duplicates = append(result.Duplicates, domain.DuplicateKey{RequestID: n.RequestID, Channel: string(n.Channel)})
			return nil
		}
		return fmt.Errorf("create notification request_id %s channel %s: %w", n.RequestID, n.Channel, err)
	}

	result.Created = append(result.Created, n)
	return nil
}

// buildOutboxPayload encodes the outbox row's payload per §6: an immediate
// notification goes straight onto its channel topic as a ChannelMessage; a
// scheduled one is wrapped in a DelayedMessage bound for
// delayed_notification, carrying the ChannelMessage as its opaque payload.
func buildOutboxPayload(n *domain.Notification, now time.Time) (topic string, payload domain.RawPayload, err error) {
	msg := domain.ChannelMessage{
		NotificationID: n.NID,
		RequestID:      n.RequestID,
		ClientID:       n.ClientID,
		Channel:        n.Channel,
		Provider:       n.Provider,
		Recipient:      n.Recipient,
		Content:        n.Content,
		Variables:      n.Variables,
		WebhookURL:     n.WebhookURL,
		RetryCount:     0,
		CreatedAt:      now,
	}
	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return "", nil, err
	}

	if n.ScheduledAt == nil {
		return domain.ChannelTopic(n.Channel), domain.RawPayload(msgBytes), nil
	}

	delayed := domain.DelayedMessage{
		NotificationID: n.NID,
		RequestID:      n.RequestID,
		ClientID:       n.ClientID,
		ScheduledAt:    n.ScheduledAt.UnixMilli(),
		TargetTopic:    domain.ChannelTopic(n.Channel),
		Payload:        domain.RawPayload(msgBytes),
		CreatedAt:      now,
	}
	delayedBytes, err := json.Marshal(delayed)
	if err != nil {
		return "", nil, err
	}
	return domain.DelayedNotificationTopic, domain.RawPayload(delayedBytes), nil
}

// resolveProvider matches §6's `provider?: string | [string|null,...]`
// shape: a single-element list applies to every channel, a list the same
// length as channels applies positionally, anything else leaves the
// channel's provider unset (router falls back to the channel default).
func resolveProvider(providers []*string, numChannels, idx int) *string {
	switch len(providers) {
	case 0:
		return nil
	case 1:
		return providers[0]
	default:
		if len(providers) == numChannels && idx < len(providers) {
			return providers[idx]
		}
		return nil
	}
}

func marshalVariables(vars map[string]string) (domain.RawPayload, error) {
	if len(vars) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(vars)
	if err != nil {
		return nil, err
	}
	return domain.RawPayload(b), nil
}
