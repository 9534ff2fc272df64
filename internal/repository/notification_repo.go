package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/event-driven-arch/internal/domain"
)

// NotificationRepository defines all persistence operations for notifications.
// The pgx implementation (pgNotificationRepository) is below in this file.
// Tests use a hand-written mock (mock_notification_repo.go).
type NotificationRepository interface {
	// CreateWithOutbox inserts the notification row and its outbox row in a
	// single transaction: a notification never exists without a matching
	// outbox entry and vice versa. Returns domain.ErrDuplicateRequest if a
	// blocking row already exists for (request_id, channel).
	CreateWithOutbox(ctx context.Context, n *domain.Notification, row *domain.OutboxRow) error

	GetByNID(ctx context.Context, nid string) (*domain.Notification, error)
	List(ctx context.Context, filter domain.ListFilter) ([]*domain.Notification, int, error)

	MarkProcessing(ctx context.Context, nid string) error
	MarkDelivered(ctx context.Context, nid, providerMsgID string) error
	MarkFailed(ctx context.Context, nid, errMsg string) error
	IncrementRetry(ctx context.Context, nid, errMsg string) error

	// ResetToPending reverts a notification to pending status for manual
	// re-delivery, optionally overwriting its content (e.g. to append an
	// operator warning). Used by the alert resolution flow and the
	// reconciler's stuck-processing pass.
	ResetToPending(ctx context.Context, nid string, newContent *domain.RawPayload) error

	// FindStuckProcessing returns notifications that have sat in
	// processing status past the given deadline.
	FindStuckProcessing(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Notification, error)

	// FindOrphanedPending returns notifications that never left pending
	// status past the given deadline.
	FindOrphanedPending(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Notification, error)
}

type pgNotificationRepository struct {
	pool *pgxpool.Pool
}

// NewPgNotificationRepository returns a NotificationRepository backed by PostgreSQL.
func NewPgNotificationRepository(pool *pgxpool.Pool) NotificationRepository {
	return &pgNotificationRepository{pool: pool}
}

func (r *pgNotificationRepository) CreateWithOutbox(ctx context.Context, n *domain.Notification, row *domain.OutboxRow) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO notifications
			(nid, request_id, client_id, channel, provider, recipient, content,
			 variables, webhook_url, status, scheduled_at, retry_count,
			 error_message, provider_msg_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		n.NID, n.RequestID, n.ClientID, n.Channel, n.Provider, n.Recipient, n.Content,
		n.Variables, n.WebhookURL, n.Status, n.ScheduledAt, n.RetryCount,
		n.ErrorMessage, n.ProviderMsgID, n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "idx_notifications_request_channel_blocking") {
			return domain.ErrDuplicateRequest
		}
		return fmt.Errorf("insert notification: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO outbox (nid, topic, payload, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		row.NID, row.Topic, row.Payload, row.Status, row.CreatedAt, row.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit notification: %w", err)
	}
	return nil
}

func (r *pgNotificationRepository) GetByNID(ctx context.Context, nid string) (*domain.Notification, error) {
	row := r.pool.QueryRow(ctx, selectNotificationColumns+` FROM notifications WHERE nid = $1`, nid)
	n, err := scanNotification(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return n, err
}

func (r *pgNotificationRepository) List(ctx context.Context, f domain.ListFilter) ([]*domain.Notification, int, error) {
	where, args := buildListWhere(f)

	var total int
	countQuery := "SELECT COUNT(*) FROM notifications" + where
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}

	page := f.Page
	if page < 1 {
		page = 1
	}
	limit := f.Limit
	if limit < 1 {
		limit = 50
	}
	offset := (page - 1) * limit

	args = append(args, limit, offset)
	limitPlaceholder := fmt.Sprintf("$%d", len(args)-1)
	offsetPlaceholder := fmt.Sprintf("$%d", len(args))

	query := fmt.Sprintf(selectNotificationColumns+`
		FROM notifications%s
		ORDER BY created_at DESC
		LIMIT %s OFFSET %s`, where, limitPlaceholder, offsetPlaceholder)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	notifications, err := scanNotifications(rows)
	return notifications, total, err
}

func (r *pgNotificationRepository) MarkProcessing(ctx context.Context, nid string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE notifications SET status = $1, updated_at = now() WHERE nid = $2`,
		domain.StatusProcessing, nid)
	return err
}

func (r *pgNotificationRepository) MarkDelivered(ctx context.Context, nid, providerMsgID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET status = $1, provider_msg_id = $2, error_message = NULL, updated_at = now()
		WHERE nid = $3`, domain.StatusDelivered, providerMsgID, nid)
	return err
}

func (r *pgNotificationRepository) MarkFailed(ctx context.Context, nid, errMsg string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET status = $1, error_message = $2, updated_at = now()
		WHERE nid = $3`, domain.StatusFailed, errMsg, nid)
	return err
}

func (r *pgNotificationRepository) IncrementRetry(ctx context.Context, nid, errMsg string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET retry_count = retry_count + 1, error_message = $1, updated_at = now()
		WHERE nid = $2`, errMsg, nid)
	return err
}

func (r *pgNotificationRepository) ResetToPending(ctx context.Context, nid string, newContent *domain.RawPayload) error {
	if newContent != nil {
		_, err := r.pool.Exec(ctx, `
			UPDATE notifications
			SET status = $1, content = $2, retry_count = 0, error_message = NULL, updated_at = now()
			WHERE nid = $3`, domain.StatusPending, *newContent, nid)
		return err
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET status = $1, retry_count = 0, error_message = NULL, updated_at = now()
		WHERE nid = $2`, domain.StatusPending, nid)
	return err
}

func (r *pgNotificationRepository) FindStuckProcessing(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Notification, error) {
	rows, err := r.pool.Query(ctx, selectNotificationColumns+`
		FROM notifications
		WHERE status = $1 AND updated_at <= $2
		ORDER BY updated_at ASC
		LIMIT $3`, domain.StatusProcessing, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("find stuck processing: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

func (r *pgNotificationRepository) FindOrphanedPending(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Notification, error) {
	rows, err := r.pool.Query(ctx, selectNotificationColumns+`
		FROM notifications
		WHERE status = $1 AND created_at <= $2
		ORDER BY created_at ASC
		LIMIT $3`, domain.StatusPending, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("find orphaned pending: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

// ---- helpers ----

const selectNotificationColumns = `
	SELECT nid, request_id, client_id, channel, provider, recipient, content,
	       variables, webhook_url, status, scheduled_at, retry_count,
	       error_message, provider_msg_id, created_at, updated_at`

func scanNotification(row pgx.Row) (*domain.Notification, error) {
	var n domain.Notification
	err := row.Scan(
		&n.NID, &n.RequestID, &n.ClientID, &n.Channel, &n.Provider, &n.Recipient, &n.Content,
		&n.Variables, &n.WebhookURL, &n.Status, &n.ScheduledAt, &n.RetryCount,
		&n.ErrorMessage, &n.ProviderMsgID, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func scanNotifications(rows pgx.Rows) ([]*domain.Notification, error) {
	var result []*domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

func buildListWhere(f domain.ListFilter) (string, []any) {
	var conditions []string
	var args []any

	add := func(condition string, val any) {
		args = append(args, val)
		conditions = append(conditions, fmt.Sprintf(condition, len(args)))
	}

	if f.Status != nil {
		add("status = $%d", *f.Status)
	}
	if f.Channel != nil {
		add("channel = $%d", *f.Channel)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}
