package ingest_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/event-driven-arch/internal/domain"
	"github.com/notifyhub/event-driven-arch/internal/ingest"
	"github.com/notifyhub/event-driven-arch/internal/providers/email"
	"github.com/notifyhub/event-driven-arch/internal/providers/whatsapp"
	"github.com/notifyhub/event-driven-arch/internal/registry"
	"github.com/notifyhub/event-driven-arch/internal/repository"
)

func TestIngest_SingleChannelCreatesOneNotificationAndOutboxRow(t *testing.T) {
	repo := repository.NewMockNotificationRepository()
	svc := ingest.NewService(repo, 10000, zap.NewNop())

	req := &domain.IngestRequest{
		RequestID:  "r1",
		ClientID:   "c1",
		Channels:   []string{"email"},
		Recipient:  domain.RawPayload(`{"email":"a@x.com"}`),
		Content:    domain.RawPayload(`{"email":{"subject":"s","message":"m"}}`),
		WebhookURL: "http://w/1",
	}

	result, err := svc.Ingest(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Created) != 1 {
		t.Fatalf("expected 1 created notification, got %d", len(result.Created))
	}
	if len(result.Duplicates) != 0 {
		t.Fatalf("expected no duplicates, got %v", result.Duplicates)
	}

	n := result.Created[0]
	if n.Status != domain.StatusPending {
		t.Fatalf("expected pending status, got %s", n.Status)
	}

	// The channel-keyed request content must be unwrapped to the email
	// slot before it reaches the provider's schema, or every multi-channel
	// submission fails recipient/content validation at dispatch time.
	if err := registry.ValidatePayloadAs[email.Content](n.Content); err != nil {
		t.Fatalf("expected notification content to validate against the email schema, got %v (content=%s)", err, n.Content)
	}

	row, ok := repo.OutboxRowFor(n.NID)
	if !ok {
		t.Fatalf("expected an outbox row for nid %s", n.NID)
	}
	if row.Topic != "email_notification" {
		t.Fatalf("expected email_notification topic, got %s", row.Topic)
	}

	var msg domain.ChannelMessage
	if err := json.Unmarshal(row.Payload, &msg); err != nil {
		t.Fatalf("outbox payload is not a valid ChannelMessage: %v", err)
	}
	if msg.NotificationID != n.NID {
		t.Fatalf("payload notification_id mismatch: %s vs %s", msg.NotificationID, n.NID)
	}
	if err := registry.ValidatePayloadAs[email.Content](msg.Content); err != nil {
		t.Fatalf("expected outbox payload content to validate against the email schema, got %v", err)
	}
}

func TestIngest_MultiChannelFanOut(t *testing.T) {
	repo := repository.NewMockNotificationRepository()
	svc := ingest.NewService(repo, 10000, zap.NewNop())

	req := &domain.IngestRequest{
		RequestID: "r2",
		ClientID:  "c1",
		Channels:  []string{"email", "whatsapp"},
		Recipient: domain.RawPayload(`{"email":"a@x.com","whatsapp":"+100"}`),
		Content:   domain.RawPayload(`{"email":{"subject":"s","message":"m"},"whatsapp":{"message":"m"}}`),
	}

	result, err := svc.Ingest(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Created) != 2 {
		t.Fatalf("expected 2 created notifications, got %d", len(result.Created))
	}

	for _, n := range result.Created {
		switch n.Channel {
		case domain.Channel("email"):
			if err := registry.ValidatePayloadAs[email.Content](n.Content); err != nil {
				t.Fatalf("expected email notification content to validate, got %v (content=%s)", err, n.Content)
			}
		case domain.Channel("whatsapp"):
			if err := registry.ValidatePayloadAs[whatsapp.Content](n.Content); err != nil {
				t.Fatalf("expected whatsapp notification content to validate, got %v (content=%s)", err, n.Content)
			}
		default:
			t.Fatalf("unexpected channel %s", n.Channel)
		}
	}
}

func TestIngest_ScheduledNotificationGoesToDelayedTopic(t *testing.T) {
	repo := repository.NewMockNotificationRepository()
	svc := ingest.NewService(repo, 10000, zap.NewNop())

	future := time.Now().Add(time.Hour)
	req := &domain.IngestRequest{
		RequestID:   "r3",
		ClientID:    "c1",
		Channels:    []string{"sms"},
		Recipient:   domain.RawPayload(`{"phone":"+1"}`),
		Content:     domain.RawPayload(`{}`),
		ScheduledAt: &future,
	}

	result, err := svc.Ingest(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	row, ok := repo.OutboxRowFor(result.Created[0].NID)
	if !ok {
		t.Fatalf("expected outbox row")
	}
	if row.Topic != domain.DelayedNotificationTopic {
		t.Fatalf("expected delayed_notification topic, got %s", row.Topic)
	}

	var delayed domain.DelayedMessage
	if err := json.Unmarshal(row.Payload, &delayed); err != nil {
		t.Fatalf("outbox payload is not a valid DelayedMessage: %v", err)
	}
	if delayed.TargetTopic != "sms_notification" {
		t.Fatalf("expected target_topic sms_notification, got %s", delayed.TargetTopic)
	}
}

func TestIngest_DuplicateRequestChannelReportedNotErrored(t *testing.T) {
	repo := repository.NewMockNotificationRepository()
	svc := ingest.NewService(repo, 10000, zap.NewNop())

	req := &domain.IngestRequest{
		RequestID: "r4",
		ClientID:  "c1",
		Channels:  []string{"email"},
		Recipient: domain.RawPayload(`{"email":"a@x.com"}`),
		Content:   domain.RawPayload(`{}`),
	}

	if _, err := svc.Ingest(context.Background(), req); err != nil {
		t.Fatalf("unexpected error on first ingest: %v", err)
	}

	result, err := svc.Ingest(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error on duplicate ingest: %v", err)
	}
	if len(result.Created) != 0 {
		t.Fatalf("expected no new notifications, got %d", len(result.Created))
	}
	if len(result.Duplicates) != 1 || result.Duplicates[0].RequestID != "r4" {
		t.Fatalf("expected one duplicate for r4, got %v", result.Duplicates)
	}
}

func TestBatchIngest_RejectsOverCeiling(t *testing.T) {
	repo := repository.NewMockNotificationRepository()
	svc := ingest.NewService(repo, 2, zap.NewNop())

	req := &domain.BatchIngestRequest{
		ClientID: "c1",
		Channels: []string{"email", "sms"},
		Content:  domain.RawPayload(`{}`),
		Recipients: []domain.BatchRecipient{
			{RequestID: "b1", Recipient: domain.RawPayload(`{"email":"a@x.com"}`)},
			{RequestID: "b2", Recipient: domain.RawPayload(`{"email":"b@x.com"}`)},
		},
	}

	_, err := svc.BatchIngest(context.Background(), req)
	if err == nil {
		t.Fatalf("expected ErrBatchTooLarge for 2 recipients * 2 channels = 4 > ceiling 2")
	}
}

func TestBatchIngest_FanOutAcrossRecipientsAndChannels(t *testing.T) {
	repo := repository.NewMockNotificationRepository()
	svc := ingest.NewService(repo, 10000, zap.NewNop())

	req := &domain.BatchIngestRequest{
		ClientID: "c1",
		Channels: []string{"email"},
		Content:  domain.RawPayload(`{}`),
		Recipients: []domain.BatchRecipient{
			{RequestID: "b1", Recipient: domain.RawPayload(`{"email":"a@x.com"}`)},
			{RequestID: "b2", Recipient: domain.RawPayload(`{"email":"b@x.com"}`)},
		},
	}

	result, err := svc.BatchIngest(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Created) != 2 {
		t.Fatalf("expected 2 created notifications, got %d", len(result.Created))
	}
}
