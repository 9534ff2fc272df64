package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/event-driven-arch/internal/domain"
)

// OutboxRepository implements the dispatcher side of the transactional
// outbox pattern: claiming a lease over a batch of pending rows, publishing
// them, and marking them done. Claimed-but-never-confirmed rows become
// eligible again once their lease expires, so a crashed dispatcher never
// loses a row.
type OutboxRepository interface {
	// ClaimBatch leases up to limit pending-or-lease-expired rows to
	// workerID and returns them. Rows are selected with FOR UPDATE SKIP
	// LOCKED so concurrent dispatchers never double-claim a row.
	ClaimBatch(ctx context.Context, workerID string, leaseExpiry time.Duration, limit int) ([]*domain.OutboxRow, error)

	// MarkPublished marks the given rows published after a confirmed
	// bus write.
	MarkPublished(ctx context.Context, rowIDs []int64) error

	// MarkPublishedAndAdvance marks rowIDs published and advances
	// advanceNIDs' notifications to processing in one store transaction
	// (§4.E step 4). advanceNIDs is empty for scheduled-delivery topics,
	// whose notifications stay pending until they re-enter through (H).
	MarkPublishedAndAdvance(ctx context.Context, rowIDs []int64, advanceNIDs []string) error

	// InsertForExisting adds a fresh outbox row for an already-persisted
	// notification, used by the manual-intervention alert resolution flow
	// and the reconciler's stuck-processing pass.
	InsertForExisting(ctx context.Context, nid, topic string, payload domain.RawPayload) error

	// CleanupPublished deletes published rows older than olderThan and
	// reports how many were removed.
	CleanupPublished(ctx context.Context, olderThan time.Time) (int64, error)

	// PendingCount reports the number of rows still awaiting publication,
	// sampled periodically for the outbox backlog gauge.
	PendingCount(ctx context.Context) (int64, error)
}

type pgOutboxRepository struct {
	pool *pgxpool.Pool
}

func NewPgOutboxRepository(pool *pgxpool.Pool) OutboxRepository {
	return &pgOutboxRepository{pool: pool}
}

func (r *pgOutboxRepository) ClaimBatch(ctx context.Context, workerID string, leaseExpiry time.Duration, limit int) ([]*domain.OutboxRow, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	cutoff := time.Now().UTC().Add(-leaseExpiry)
	rows, err := tx.Query(ctx, `
		SELECT row_id, nid, topic, payload, status, claimed_by, claimed_at, created_at, updated_at
		FROM outbox
		WHERE status = $1 AND (claimed_at IS NULL OR claimed_at <= $2)
		ORDER BY created_at ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED`, domain.OutboxPending, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("select claimable outbox rows: %w", err)
	}

	var claimed []*domain.OutboxRow
	var ids []int64
	for rows.Next() {
		row, err := scanOutboxRow(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, row)
		ids = append(ids, row.RowID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(claimed) == 0 {
		return nil, tx.Commit(ctx)
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE outbox SET claimed_by = $1, claimed_at = $2, updated_at = $2
		WHERE row_id = ANY($3)`, workerID, now, ids)
	if err != nil {
		return nil, fmt.Errorf("lease outbox rows: %w", err)
	}

	for _, row := range claimed {
		row.ClaimedBy = &workerID
		row.ClaimedAt = &now
	}

	return claimed, tx.Commit(ctx)
}

func (r *pgOutboxRepository) MarkPublished(ctx context.Context, rowIDs []int64) error {
	if len(rowIDs) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox SET status = $1, updated_at = now()
		WHERE row_id = ANY($2)`, domain.OutboxPublished, rowIDs)
	return err
}

func (r *pgOutboxRepository) MarkPublishedAndAdvance(ctx context.Context, rowIDs []int64, advanceNIDs []string) error {
	if len(rowIDs) == 0 {
		return nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin mark-published: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `
		UPDATE outbox SET status = $1, updated_at = now()
		WHERE row_id = ANY($2)`, domain.OutboxPublished, rowIDs); err != nil {
		return fmt.Errorf("mark outbox rows published: %w", err)
	}

	if len(advanceNIDs) > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE notifications SET status = $1, updated_at = now()
			WHERE nid = ANY($2) AND status = $3`, domain.StatusProcessing, advanceNIDs, domain.StatusPending); err != nil {
			return fmt.Errorf("advance notifications to processing: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (r *pgOutboxRepository) InsertForExisting(ctx context.Context, nid, topic string, payload domain.RawPayload) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO outbox (nid, topic, payload, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,now(),now())`, nid, topic, payload, domain.OutboxPending)
	return err
}

func (r *pgOutboxRepository) CleanupPublished(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM outbox WHERE status = $1 AND updated_at <= $2`, domain.OutboxPublished, olderThan)
	if err != nil {
		return 0, fmt.Errorf("cleanup published outbox rows: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *pgOutboxRepository) PendingCount(ctx context.Context) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM outbox WHERE status = $1`, domain.OutboxPending).Scan(&count)
	return count, err
}

func scanOutboxRow(row pgx.Row) (*domain.OutboxRow, error) {
	var o domain.OutboxRow
	err := row.Scan(&o.RowID, &o.NID, &o.Topic, &o.Payload, &o.Status, &o.ClaimedBy, &o.ClaimedAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}
