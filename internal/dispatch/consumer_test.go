package dispatch_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/notifyhub/event-driven-arch/internal/bus"
	"github.com/notifyhub/event-driven-arch/internal/coordination"
	"github.com/notifyhub/event-driven-arch/internal/dispatch"
	"github.com/notifyhub/event-driven-arch/internal/domain"
	"github.com/notifyhub/event-driven-arch/internal/registry"
	"github.com/notifyhub/event-driven-arch/internal/repository"
)

type stubProvider struct {
	id      string
	channel domain.Channel
	result  registry.DeliveryResult
	sent    int
}

func (s *stubProvider) Manifest() registry.Manifest {
	return registry.Manifest{ID: s.id, Channel: s.channel}
}
func (s *stubProvider) RateLimitConfig() registry.RateLimitConfig {
	return registry.RateLimitConfig{MaxTokens: 10, RefillRate: 100}
}
func (s *stubProvider) ValidateRecipient(domain.RawPayload) error         { return nil }
func (s *stubProvider) ValidateContent(domain.RawPayload) error          { return nil }
func (s *stubProvider) Initialize(context.Context, map[string]string) error { return nil }
func (s *stubProvider) HealthCheck(context.Context) bool                 { return true }
func (s *stubProvider) Shutdown(context.Context) error                   { return nil }
func (s *stubProvider) Send(context.Context, *domain.Notification) registry.DeliveryResult {
	s.sent++
	return s.result
}

func newTestCoordClient(t *testing.T) *coordination.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return coordination.NewWithRedis(rdb)
}

func newTestConsumer(t *testing.T, prov *stubProvider) (*dispatch.Consumer, *bus.MemoryBus) {
	consumer, memBus, _, _ := newTestConsumerWithStatusOutbox(t, prov)
	return consumer, memBus
}

func newTestConsumerWithStatusOutbox(t *testing.T, prov *stubProvider) (*dispatch.Consumer, *bus.MemoryBus, *repository.MockStatusOutboxRepository, *repository.MockNotificationRepository) {
	t.Helper()
	reg := registry.New()
	_ = reg.Register(prov, 10)
	reg.SetDefault(prov.channel, prov.id)

	coord := newTestCoordClient(t)
	router := registry.NewRouter(reg, zap.NewNop())
	memBus := bus.NewMemoryBus()
	statusOutbox := repository.NewMockStatusOutboxRepository()
	notifications := repository.NewMockNotificationRepository()

	consumer := dispatch.NewConsumer(
		prov.channel, coord, reg, router, memBus, statusOutbox, notifications,
		3, time.Minute, 24*time.Hour, 100*time.Millisecond, zap.NewNop(),
	)
	return consumer, memBus, statusOutbox, notifications
}

func encodeMessage(t *testing.T, msg domain.ChannelMessage) bus.Message {
	t.Helper()
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return bus.Message{Topic: "email_notification", Key: []byte(msg.NotificationID), Value: b}
}

func TestHandle_SuccessPublishesDeliveredStatusAndCommits(t *testing.T) {
	prov := &stubProvider{id: "email-primary", channel: "email", result: registry.DeliveryResult{Success: true, MessageID: "m-1"}}
	consumer, memBus, statusOutbox, _ := newTestConsumerWithStatusOutbox(t, prov)

	msg := domain.ChannelMessage{NotificationID: "n1", Channel: "email", Recipient: domain.RawPayload(`{}`), Content: domain.RawPayload(`{}`)}
	committed := consumer.Handle(context.Background(), encodeMessage(t, msg))

	if !committed {
		t.Fatalf("expected commit on success")
	}
	statusMsgs := memBus.Messages(domain.NotificationStatusTopic)
	if len(statusMsgs) != 1 {
		t.Fatalf("expected 1 status message, got %d", len(statusMsgs))
	}
	var sm domain.StatusMessage
	if err := json.Unmarshal(statusMsgs[0].Value, &sm); err != nil {
		t.Fatalf("decode status message: %v", err)
	}
	if sm.Status != "delivered" {
		t.Fatalf("expected delivered status, got %s", sm.Status)
	}

	rows, err := statusOutbox.ClaimBatch(context.Background(), "w1", time.Minute, 10)
	if err != nil {
		t.Fatalf("claim batch: %v", err)
	}
	if len(rows) != 1 || rows[0].NID != "n1" || rows[0].Status != domain.StatusOutboxDelivered {
		t.Fatalf("expected a durable delivered status outbox row for n1, got %+v", rows)
	}
}

func TestHandle_DuplicateDeliveryRejectedByLockCommitsWithoutSend(t *testing.T) {
	prov := &stubProvider{id: "email-primary", channel: "email", result: registry.DeliveryResult{Success: true}}
	consumer, _ := newTestConsumer(t, prov)

	msg := domain.ChannelMessage{NotificationID: "n2", Channel: "email", Recipient: domain.RawPayload(`{}`), Content: domain.RawPayload(`{}`)}
	if !consumer.Handle(context.Background(), encodeMessage(t, msg)) {
		t.Fatalf("expected first attempt to commit")
	}
	if !consumer.Handle(context.Background(), encodeMessage(t, msg)) {
		t.Fatalf("expected duplicate attempt to commit (rejected)")
	}
	if prov.sent != 1 {
		t.Fatalf("expected provider Send called exactly once, got %d", prov.sent)
	}
}

func TestHandle_NonRetryableFailurePublishesTerminalStatus(t *testing.T) {
	prov := &stubProvider{id: "email-primary", channel: "email", result: registry.DeliveryResult{
		Err: &registry.DeliveryError{Code: "INVALID_RECIPIENT", Message: "bad address", Retryable: false},
	}}
	consumer, memBus := newTestConsumer(t, prov)

	msg := domain.ChannelMessage{NotificationID: "n3", Channel: "email", Recipient: domain.RawPayload(`{}`), Content: domain.RawPayload(`{}`)}
	if !consumer.Handle(context.Background(), encodeMessage(t, msg)) {
		t.Fatalf("expected commit on terminal failure")
	}

	statusMsgs := memBus.Messages(domain.NotificationStatusTopic)
	var sm domain.StatusMessage
	if err := json.Unmarshal(statusMsgs[len(statusMsgs)-1].Value, &sm); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sm.Status != "failed" {
		t.Fatalf("expected failed status, got %s", sm.Status)
	}
	if len(memBus.Messages(domain.DelayedNotificationTopic)) != 0 {
		t.Fatalf("expected no retry scheduled for a non-retryable failure")
	}
}

func TestHandle_RetryableFailureSchedulesBackoffRetry(t *testing.T) {
	prov := &stubProvider{id: "email-primary", channel: "email", result: registry.DeliveryResult{
		Err: &registry.DeliveryError{Code: "TRANSPORT_ERROR", Message: "timeout", Retryable: true},
	}}
	consumer, memBus, _, notifications := newTestConsumerWithStatusOutbox(t, prov)
	if err := notifications.CreateWithOutbox(context.Background(), &domain.Notification{NID: "n4", Channel: "email"}, &domain.OutboxRow{NID: "n4", Topic: "email_notification"}); err != nil {
		t.Fatalf("seed notification: %v", err)
	}

	msg := domain.ChannelMessage{NotificationID: "n4", Channel: "email", Recipient: domain.RawPayload(`{}`), Content: domain.RawPayload(`{}`)}
	if !consumer.Handle(context.Background(), encodeMessage(t, msg)) {
		t.Fatalf("expected commit after scheduling a retry")
	}

	delayed := memBus.Messages(domain.DelayedNotificationTopic)
	if len(delayed) != 1 {
		t.Fatalf("expected 1 scheduled retry message, got %d", len(delayed))
	}
	var dm domain.DelayedMessage
	if err := json.Unmarshal(delayed[0].Value, &dm); err != nil {
		t.Fatalf("decode delayed message: %v", err)
	}
	if dm.TargetTopic != "email_notification" {
		t.Fatalf("expected target_topic email_notification, got %s", dm.TargetTopic)
	}

	updated, err := notifications.GetByNID(context.Background(), "n4")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if updated.RetryCount != 1 {
		t.Fatalf("expected persisted retry_count to reach 1 so the row reflects reality, got %d", updated.RetryCount)
	}
}

func TestHandle_UnparseableMessageCommitsAsPoisonPill(t *testing.T) {
	prov := &stubProvider{id: "email-primary", channel: "email"}
	consumer, _ := newTestConsumer(t, prov)

	if !consumer.Handle(context.Background(), bus.Message{Topic: "email_notification", Value: []byte("not json")}) {
		t.Fatalf("expected poison-pill message to commit")
	}
}
