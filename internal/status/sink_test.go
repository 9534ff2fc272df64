package status_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/event-driven-arch/internal/bus"
	"github.com/notifyhub/event-driven-arch/internal/domain"
	"github.com/notifyhub/event-driven-arch/internal/repository"
	"github.com/notifyhub/event-driven-arch/internal/status"
)

func TestHandle_DeliveredUpdatesStoreAndFiresWebhook(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		var cb domain.WebhookCallback
		_ = json.NewDecoder(r.Body).Decode(&cb)
		if cb.Status != "delivered" {
			t.Errorf("expected delivered callback, got %s", cb.Status)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	repo := repository.NewMockNotificationRepository()
	n := &domain.Notification{NID: "n1", RequestID: "r1", Channel: "email", Status: domain.StatusProcessing}
	_ = repo.CreateWithOutbox(context.Background(), n, &domain.OutboxRow{NID: "n1", Topic: "email_notification"})

	sink := status.NewSink(repo, time.Second, zap.NewNop())

	msg := domain.StatusMessage{NotificationID: "n1", Status: "delivered", WebhookURL: server.URL}
	body, _ := json.Marshal(msg)

	if !sink.Handle(context.Background(), bus.Message{Value: body}) {
		t.Fatalf("expected commit")
	}

	updated, err := repo.GetByNID(context.Background(), "n1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if updated.Status != domain.StatusDelivered {
		t.Fatalf("expected delivered status, got %s", updated.Status)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&hits) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected webhook to be called once, got %d", hits)
	}
}

func TestHandle_UnrecognizedStatusCommitsWithoutStoreUpdate(t *testing.T) {
	repo := repository.NewMockNotificationRepository()
	sink := status.NewSink(repo, time.Second, zap.NewNop())
	msg := domain.StatusMessage{NotificationID: "missing", Status: "unknown-status"}
	body, _ := json.Marshal(msg)

	if !sink.Handle(context.Background(), bus.Message{Value: body}) {
		t.Fatalf("expected commit for an unrecognized status value")
	}
}
