package recovery_test

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
	"github.com/notifyhub/event-driven-arch/internal/domain"
	"github.com/notifyhub/event-driven-arch/internal/recovery"
	"github.com/notifyhub/event-driven-arch/internal/repository"
)

func newTestCoord(t *testing.T) *coordination.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return coordination.NewWithRedis(rdb)
}

func newTestReconciler(t *testing.T) (*recovery.Reconciler, *repository.MockNotificationRepository, *repository.MockOutboxRepository, *repository.MockStatusOutboxRepository, *repository.MockAlertRepository, *coordination.Client, *bus.MemoryBus) {
	t.Helper()
	notifications := repository.NewMockNotificationRepository()
	outbox := repository.NewMockOutboxRepository()
	outbox.AttachNotificationRepo(notifications)
	statusOutbox := repository.NewMockStatusOutboxRepository()
	alerts := repository.NewMockAlertRepository()
	coord := newTestCoord(t)
	producer := bus.NewMemoryBus()

	r := recovery.NewReconciler(
		notifications, outbox, statusOutbox, alerts, coord, producer,
		"recon-1", time.Minute, 100,
		30*time.Second, 5*time.Minute,
		10*time.Minute, 2, 5,
		time.Minute, zap.NewNop(),
	)
	return r, notifications, outbox, statusOutbox, alerts, coord, producer
}

func TestRunOnce_HealsGhostDeliveryFromStatusOutbox(t *testing.T) {
	r, notifications, _, statusOutbox, alerts, _, producer := newTestReconciler(t)
	ctx := context.Background()

	n := &domain.Notification{NID: "n1", RequestID: "r1", ClientID: "c1", Channel: "email", WebhookURL: "https://client.example/hook", Status: domain.StatusProcessing, UpdatedAt: time.Now().UTC()}
	if err := notifications.CreateWithOutbox(ctx, n, &domain.OutboxRow{NID: "n1", Topic: "email_notification"}); err != nil {
		t.Fatalf("seed notification: %v", err)
	}
	if err := statusOutbox.Insert(ctx, &domain.StatusOutboxRow{NID: "n1", Status: domain.StatusOutboxDelivered}); err != nil {
		t.Fatalf("seed status outbox row: %v", err)
	}

	r.RunOnce(ctx)

	updated, err := notifications.GetByNID(ctx, "n1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if updated.Status != domain.StatusDelivered {
		t.Fatalf("expected ghost delivery healed to delivered, got %s", updated.Status)
	}

	unresolved, err := alerts.ListUnresolved(ctx, 10)
	if err != nil {
		t.Fatalf("list unresolved: %v", err)
	}
	if len(unresolved) != 1 || unresolved[0].Type != domain.AlertGhostDelivery {
		t.Fatalf("expected one ghost_delivery alert, got %+v", unresolved)
	}

	published := producer.Messages(domain.NotificationStatusTopic)
	if len(published) != 1 {
		t.Fatalf("expected healed ghost delivery to publish one status message so the client webhook re-fires, got %d", len(published))
	}
	var sm domain.StatusMessage
	if err := json.Unmarshal(published[0].Value, &sm); err != nil {
		t.Fatalf("decode published status message: %v", err)
	}
	if sm.NotificationID != "n1" || sm.Status != string(domain.StatusDelivered) {
		t.Fatalf("expected delivered status published for n1, got %+v", sm)
	}
}

func TestRunOnce_StatusOutboxRowMatchingNotificationIsDroppedWithoutAlert(t *testing.T) {
	r, notifications, _, statusOutbox, alerts, _, _ := newTestReconciler(t)
	ctx := context.Background()

	n := &domain.Notification{NID: "n2", RequestID: "r2", Channel: "email", Status: domain.StatusDelivered, UpdatedAt: time.Now().UTC()}
	if err := notifications.CreateWithOutbox(ctx, n, &domain.OutboxRow{NID: "n2", Topic: "email_notification"}); err != nil {
		t.Fatalf("seed notification: %v", err)
	}
	if err := statusOutbox.Insert(ctx, &domain.StatusOutboxRow{NID: "n2", Status: domain.StatusOutboxDelivered}); err != nil {
		t.Fatalf("seed status outbox row: %v", err)
	}

	r.RunOnce(ctx)

	unresolved, err := alerts.ListUnresolved(ctx, 10)
	if err != nil {
		t.Fatalf("list unresolved: %v", err)
	}
	if len(unresolved) != 0 {
		t.Fatalf("expected no alert when status already matches, got %+v", unresolved)
	}
}

func TestRunOnce_StuckProcessingWithoutIdempotencyRecordResetsToPending(t *testing.T) {
	r, notifications, _, _, _, _, _ := newTestReconciler(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-time.Hour)
	n := &domain.Notification{NID: "n3", RequestID: "r3", Channel: "email", Status: domain.StatusProcessing, UpdatedAt: old, CreatedAt: old}
	if err := notifications.CreateWithOutbox(ctx, n, &domain.OutboxRow{NID: "n3", Topic: "email_notification"}); err != nil {
		t.Fatalf("seed notification: %v", err)
	}

	r.RunOnce(ctx)

	updated, err := notifications.GetByNID(ctx, "n3")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if updated.Status != domain.StatusPending {
		t.Fatalf("expected stuck notification reset to pending, got %s", updated.Status)
	}
}

func TestRunOnce_StuckProcessingHealsFromIdempotencyRecordAndPublishesStatus(t *testing.T) {
	r, notifications, _, _, alerts, coord, producer := newTestReconciler(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-time.Hour)
	n := &domain.Notification{NID: "n5", RequestID: "r5", ClientID: "c5", Channel: "email", WebhookURL: "https://client.example/hook", Status: domain.StatusProcessing, UpdatedAt: old, CreatedAt: old}
	if err := notifications.CreateWithOutbox(ctx, n, &domain.OutboxRow{NID: "n5", Topic: "email_notification"}); err != nil {
		t.Fatalf("seed notification: %v", err)
	}
	if err := coord.SetDelivered(ctx, "n5", 24*time.Hour); err != nil {
		t.Fatalf("seed idempotency record: %v", err)
	}

	r.RunOnce(ctx)

	updated, err := notifications.GetByNID(ctx, "n5")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if updated.Status != domain.StatusDelivered {
		t.Fatalf("expected notification healed to delivered from its idempotency record, got %s", updated.Status)
	}

	unresolved, err := alerts.ListUnresolved(ctx, 10)
	if err != nil {
		t.Fatalf("list unresolved: %v", err)
	}
	if len(unresolved) != 1 || unresolved[0].Type != domain.AlertGhostDelivery {
		t.Fatalf("expected one ghost_delivery alert for the stuck-processing heal, got %+v", unresolved)
	}

	published := producer.Messages(domain.NotificationStatusTopic)
	if len(published) != 1 {
		t.Fatalf("expected one status message so the client webhook re-fires, got %d", len(published))
	}
	var sm domain.StatusMessage
	if err := json.Unmarshal(published[0].Value, &sm); err != nil {
		t.Fatalf("decode published status message: %v", err)
	}
	if sm.NotificationID != "n5" || sm.Status != string(domain.StatusDelivered) {
		t.Fatalf("expected delivered status published for n5, got %+v", sm)
	}
}

func TestRunOnce_OrphanedPendingBacklogRaisesAggregateAlert(t *testing.T) {
	r, notifications, _, _, alerts, _, _ := newTestReconciler(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		nid := "orphan-" + string(rune('a'+i))
		n := &domain.Notification{NID: nid, RequestID: nid, Channel: "email", Status: domain.StatusPending, CreatedAt: old, UpdatedAt: old}
		if err := notifications.CreateWithOutbox(ctx, n, &domain.OutboxRow{NID: nid, Topic: "email_notification"}); err != nil {
			t.Fatalf("seed notification: %v", err)
		}
	}

	r.RunOnce(ctx)

	unresolved, err := alerts.ListUnresolved(ctx, 10)
	if err != nil {
		t.Fatalf("list unresolved: %v", err)
	}
	found := false
	for _, a := range unresolved {
		if a.Type == domain.AlertOrphanedPending {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an orphaned_pending alert, got %+v", unresolved)
	}
}

func TestResolveAlert_StuckProcessingRedeliversWithWarning(t *testing.T) {
	r, notifications, outbox, _, alerts, _, _ := newTestReconciler(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-time.Hour)
	n := &domain.Notification{NID: "n4", RequestID: "r4", Channel: "email", Status: domain.StatusProcessing, Content: domain.RawPayload(`{"message":"hi"}`), UpdatedAt: old, CreatedAt: old}
	if err := notifications.CreateWithOutbox(ctx, n, &domain.OutboxRow{NID: "n4", Topic: "email_notification"}); err != nil {
		t.Fatalf("seed notification: %v", err)
	}

	nid := "n4"
	if err := alerts.InsertOrEscalate(ctx, &domain.Alert{NID: &nid, Type: domain.AlertStuckProcessing, Severity: domain.SeverityError, Message: "stuck"}); err != nil {
		t.Fatalf("seed alert: %v", err)
	}
	unresolved, err := alerts.ListUnresolved(ctx, 1)
	if err != nil || len(unresolved) != 1 {
		t.Fatalf("expected seeded alert, got %+v err=%v", unresolved, err)
	}

	if err := r.ResolveAlert(ctx, unresolved[0].AlertID, "checked provider, looks fine"); err != nil {
		t.Fatalf("resolve alert: %v", err)
	}

	updated, err := notifications.GetByNID(ctx, "n4")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if updated.Status != domain.StatusPending {
		t.Fatalf("expected notification reset to pending, got %s", updated.Status)
	}

	retryRows := outbox.PendingRowsFor("n4")
	if len(retryRows) != 1 {
		t.Fatalf("expected exactly one fresh pending outbox row for the redelivered notification, got %d", len(retryRows))
	}
	if retryRows[0].Topic != "email_notification" {
		t.Fatalf("expected retry outbox row targeting email_notification, got %s", retryRows[0].Topic)
	}

	stillUnresolved, err := alerts.ListUnresolved(ctx, 10)
	if err != nil {
		t.Fatalf("list unresolved: %v", err)
	}
	if len(stillUnresolved) != 0 {
		t.Fatalf("expected alert resolved, got %+v", stillUnresolved)
	}
}
