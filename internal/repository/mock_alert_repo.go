package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/notifyhub/event-driven-arch/internal/domain"
)

// MockAlertRepository is a hand-written, in-memory AlertRepository.
type MockAlertRepository struct {
	mu     sync.Mutex
	alerts map[string]*domain.Alert
}

func NewMockAlertRepository() *MockAlertRepository {
	return &MockAlertRepository{alerts: make(map[string]*domain.Alert)}
}

func (m *MockAlertRepository) InsertOrEscalate(_ context.Context, a *domain.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.alerts {
		if existing.Resolved || existing.Type != a.Type {
			continue
		}
		if (existing.NID == nil) != (a.NID == nil) {
			continue
		}
		if existing.NID != nil && a.NID != nil && *existing.NID != *a.NID {
			continue
		}
		existing.Severity = a.Severity
		existing.Message = a.Message
		existing.Metadata = a.Metadata
		return nil
	}
	clone := *a
	clone.AlertID = uuid.NewString()
	clone.CreatedAt = time.Now().UTC()
	m.alerts[clone.AlertID] = &clone
	return nil
}

func (m *MockAlertRepository) ListUnresolved(_ context.Context, limit int) ([]*domain.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*domain.Alert
	for _, a := range m.alerts {
		if a.Resolved {
			continue
		}
		clone := *a
		result = append(result, &clone)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MockAlertRepository) GetByID(_ context.Context, alertID string) (*domain.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok {
		return nil, domain.ErrAlertNotFound
	}
	clone := *a
	return &clone, nil
}

func (m *MockAlertRepository) Resolve(_ context.Context, alertID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok || a.Resolved {
		return domain.ErrAlertAlreadyDone
	}
	now := time.Now().UTC()
	a.Resolved = true
	a.ResolvedAt = &now
	return nil
}
