package repository

import (
	"context"
	"sync"
	"time"

	"github.com/notifyhub/event-driven-arch/internal/domain"
)

// MockOutboxRepository is a hand-written, in-memory OutboxRepository for
// dispatcher unit tests.
type MockOutboxRepository struct {
	mu   sync.Mutex
	rows map[int64]*domain.OutboxRow
	next int64

	// notifications, if set via AttachNotificationRepo, is advanced to
	// processing by MarkPublishedAndAdvance the same way the pg
	// implementation's single transaction would.
	notifications *MockNotificationRepository

	ClaimBatchErr error
}

func NewMockOutboxRepository() *MockOutboxRepository {
	return &MockOutboxRepository{rows: make(map[int64]*domain.OutboxRow)}
}

// AttachNotificationRepo wires the notification-side effect of
// MarkPublishedAndAdvance, mirroring the single pg transaction that spans
// both tables.
func (m *MockOutboxRepository) AttachNotificationRepo(repo *MockNotificationRepository) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = repo
}

// Seed inserts a row directly, bypassing claim leasing, for test setup.
func (m *MockOutboxRepository) Seed(row *domain.OutboxRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	row.RowID = m.next
	clone := *row
	m.rows[row.RowID] = &clone
}

func (m *MockOutboxRepository) ClaimBatch(_ context.Context, workerID string, leaseExpiry time.Duration, limit int) ([]*domain.OutboxRow, error) {
	if m.ClaimBatchErr != nil {
		return nil, m.ClaimBatchErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-leaseExpiry)
	var claimed []*domain.OutboxRow
	for _, row := range m.rows {
		if row.Status != domain.OutboxPending {
			continue
		}
		if row.ClaimedAt != nil && row.ClaimedAt.After(cutoff) {
			continue
		}
		now := time.Now().UTC()
		row.ClaimedBy = &workerID
		row.ClaimedAt = &now
		clone := *row
		claimed = append(claimed, &clone)
		if len(claimed) >= limit {
			break
		}
	}
	return claimed, nil
}

func (m *MockOutboxRepository) MarkPublished(_ context.Context, rowIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range rowIDs {
		if row, ok := m.rows[id]; ok {
			row.Status = domain.OutboxPublished
		}
	}
	return nil
}

func (m *MockOutboxRepository) MarkPublishedAndAdvance(ctx context.Context, rowIDs []int64, advanceNIDs []string) error {
	m.mu.Lock()
	notifications := m.notifications
	for _, id := range rowIDs {
		if row, ok := m.rows[id]; ok {
			row.Status = domain.OutboxPublished
		}
	}
	m.mu.Unlock()

	if notifications == nil {
		return nil
	}
	for _, nid := range advanceNIDs {
		_ = notifications.MarkProcessing(ctx, nid)
	}
	return nil
}

func (m *MockOutboxRepository) InsertForExisting(_ context.Context, nid, topic string, payload domain.RawPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	now := time.Now().UTC()
	m.rows[m.next] = &domain.OutboxRow{
		RowID:     m.next,
		NID:       nid,
		Topic:     topic,
		Payload:   payload,
		Status:    domain.OutboxPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

// PendingRowsFor returns a snapshot of pending rows for nid, for tests
// asserting that a reconciliation pass inserted a fresh retry row.
func (m *MockOutboxRepository) PendingRowsFor(nid string) []*domain.OutboxRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*domain.OutboxRow
	for _, row := range m.rows {
		if row.NID == nid && row.Status == domain.OutboxPending {
			clone := *row
			result = append(result, &clone)
		}
	}
	return result
}

func (m *MockOutboxRepository) PendingCount(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, row := range m.rows {
		if row.Status == domain.OutboxPending {
			count++
		}
	}
	return count, nil
}

func (m *MockOutboxRepository) CleanupPublished(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for id, row := range m.rows {
		if row.Status == domain.OutboxPublished && !row.UpdatedAt.After(olderThan) {
			delete(m.rows, id)
			removed++
		}
	}
	return removed, nil
}
