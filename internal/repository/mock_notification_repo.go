package repository

import (
	"context"
	"sync"
	"time"

	"github.com/notifyhub/event-driven-arch/internal/domain"
)

// MockNotificationRepository is a hand-written, in-memory implementation of
// NotificationRepository used in unit tests. No mock-generation library needed.
type MockNotificationRepository struct {
	mu            sync.RWMutex
	notifications map[string]*domain.Notification
	outboxRows    map[string]*domain.OutboxRow // keyed by NID, last row written

	// Optional error overrides — set in tests to simulate failure paths.
	CreateErr  error
	GetByNIDErr error
}

func NewMockNotificationRepository() *MockNotificationRepository {
	return &MockNotificationRepository{
		notifications: make(map[string]*domain.Notification),
		outboxRows:    make(map[string]*domain.OutboxRow),
	}
}

func (m *MockNotificationRepository) CreateWithOutbox(_ context.Context, n *domain.Notification, row *domain.OutboxRow) error {
	if m.CreateErr != nil {
		return m.CreateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if n.Status.Blocking() {
		for _, existing := range m.notifications {
			if existing.RequestID == n.RequestID && existing.Channel == n.Channel && existing.Status.Blocking() {
				return domain.ErrDuplicateRequest
			}
		}
	}

	clone := *n
	m.notifications[n.NID] = &clone
	rowClone := *row
	m.outboxRows[n.NID] = &rowClone
	return nil
}

// OutboxRowFor returns the last outbox row written for nid by
// CreateWithOutbox, for tests asserting on what ingest would have
// published.
func (m *MockNotificationRepository) OutboxRowFor(nid string) (*domain.OutboxRow, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.outboxRows[nid]
	if !ok {
		return nil, false
	}
	clone := *row
	return &clone, true
}

func (m *MockNotificationRepository) GetByNID(_ context.Context, nid string) (*domain.Notification, error) {
	if m.GetByNIDErr != nil {
		return nil, m.GetByNIDErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notifications[nid]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *n
	return &clone, nil
}

func (m *MockNotificationRepository) List(_ context.Context, f domain.ListFilter) ([]*domain.Notification, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.Notification
	for _, n := range m.notifications {
		if f.Status != nil && n.Status != *f.Status {
			continue
		}
		if f.Channel != nil && n.Channel != *f.Channel {
			continue
		}
		clone := *n
		result = append(result, &clone)
	}
	return result, len(result), nil
}

func (m *MockNotificationRepository) MarkProcessing(_ context.Context, nid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.notifications[nid]; ok {
		n.Status = domain.StatusProcessing
		n.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MockNotificationRepository) MarkDelivered(_ context.Context, nid, providerMsgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.notifications[nid]; ok {
		n.Status = domain.StatusDelivered
		n.ProviderMsgID = &providerMsgID
		n.ErrorMessage = nil
		n.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MockNotificationRepository) MarkFailed(_ context.Context, nid, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.notifications[nid]; ok {
		n.Status = domain.StatusFailed
		n.ErrorMessage = &errMsg
		n.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MockNotificationRepository) IncrementRetry(_ context.Context, nid, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.notifications[nid]; ok {
		n.RetryCount++
		n.ErrorMessage = &errMsg
		n.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MockNotificationRepository) ResetToPending(_ context.Context, nid string, newContent *domain.RawPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.notifications[nid]; ok {
		n.Status = domain.StatusPending
		n.RetryCount = 0
		n.ErrorMessage = nil
		if newContent != nil {
			n.Content = *newContent
		}
		n.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MockNotificationRepository) FindStuckProcessing(_ context.Context, olderThan time.Time, limit int) ([]*domain.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.Notification
	for _, n := range m.notifications {
		if n.Status == domain.StatusProcessing && !n.UpdatedAt.After(olderThan) {
			clone := *n
			result = append(result, &clone)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MockNotificationRepository) FindOrphanedPending(_ context.Context, olderThan time.Time, limit int) ([]*domain.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.Notification
	for _, n := range m.notifications {
		if n.Status == domain.StatusPending && !n.CreatedAt.After(olderThan) {
			clone := *n
			result = append(result, &clone)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}
