package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/event-driven-arch/internal/domain"
)

// StatusOutboxRepository holds the durable terminal-outcome rows the
// dispatch consumer writes after each delivered or failed send. The
// recovery reconciler claims them under a lease and heals any
// notification whose status has not caught up (a ghost delivery).
type StatusOutboxRepository interface {
	Insert(ctx context.Context, row *domain.StatusOutboxRow) error
	ClaimBatch(ctx context.Context, workerID string, leaseExpiry time.Duration, limit int) ([]*domain.StatusOutboxRow, error)
	MarkProcessed(ctx context.Context, rowIDs []int64) error
}

type pgStatusOutboxRepository struct {
	pool *pgxpool.Pool
}

func NewPgStatusOutboxRepository(pool *pgxpool.Pool) StatusOutboxRepository {
	return &pgStatusOutboxRepository{pool: pool}
}

func (r *pgStatusOutboxRepository) Insert(ctx context.Context, row *domain.StatusOutboxRow) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO status_outbox (nid, status, processed, created_at)
		VALUES ($1,$2,false,now())`, row.NID, row.Status)
	if err != nil {
		return fmt.Errorf("insert status outbox row: %w", err)
	}
	return nil
}

func (r *pgStatusOutboxRepository) ClaimBatch(ctx context.Context, workerID string, leaseExpiry time.Duration, limit int) ([]*domain.StatusOutboxRow, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	cutoff := time.Now().UTC().Add(-leaseExpiry)
	rows, err := tx.Query(ctx, `
		SELECT row_id, nid, status, processed, claimed_by, claimed_at
		FROM status_outbox
		WHERE NOT processed AND (claimed_at IS NULL OR claimed_at <= $1)
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("select claimable status rows: %w", err)
	}

	var claimed []*domain.StatusOutboxRow
	var ids []int64
	for rows.Next() {
		var s domain.StatusOutboxRow
		if err := rows.Scan(&s.RowID, &s.NID, &s.Status, &s.Processed, &s.ClaimedBy, &s.ClaimedAt); err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, &s)
		ids = append(ids, s.RowID)
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
		UPDATE status_outbox SET claimed_by = $1, claimed_at = $2 WHERE row_id = ANY($3)`,
		workerID, now, ids)
	if err != nil {
		return nil, fmt.Errorf("lease status rows: %w", err)
	}
	for _, s := range claimed {
		s.ClaimedBy = &workerID
		s.ClaimedAt = &now
	}

	return claimed, tx.Commit(ctx)
}

func (r *pgStatusOutboxRepository) MarkProcessed(ctx context.Context, rowIDs []int64) error {
	if len(rowIDs) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `UPDATE status_outbox SET processed = true WHERE row_id = ANY($1)`, rowIDs)
	return err
}
