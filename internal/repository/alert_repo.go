package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/event-driven-arch/internal/domain"
)

// AlertRepository stores recovery-reconciler alerts (invariant A1: at most
// one unresolved alert per (nid, type), enforced by a partial unique index).
type AlertRepository interface {
	// InsertOrEscalate creates a new unresolved alert, or, if one already
	// exists for the same (nid, type), raises its severity and refreshes
	// its message/metadata in place without creating a duplicate.
	InsertOrEscalate(ctx context.Context, alert *domain.Alert) error

	ListUnresolved(ctx context.Context, limit int) ([]*domain.Alert, error)
	GetByID(ctx context.Context, alertID string) (*domain.Alert, error)
	Resolve(ctx context.Context, alertID string) error
}

type pgAlertRepository struct {
	pool *pgxpool.Pool
}

func NewPgAlertRepository(pool *pgxpool.Pool) AlertRepository {
	return &pgAlertRepository{pool: pool}
}

func (r *pgAlertRepository) InsertOrEscalate(ctx context.Context, a *domain.Alert) error {
	metadata, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("marshal alert metadata: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO alerts (nid, type, severity, message, metadata, resolved, created_at)
		VALUES ($1,$2,$3,$4,$5,false,now())`,
		a.NID, a.Type, a.Severity, a.Message, metadata)
	if err == nil {
		return nil
	}
	if !strings.Contains(err.Error(), "idx_alerts_nid_type_unresolved") &&
		!strings.Contains(err.Error(), "idx_alerts_type_unresolved_orphan") {
		return fmt.Errorf("insert alert: %w", err)
	}

	// An unresolved alert for this (nid, type) already exists: escalate it
	// in place rather than violate the uniqueness invariant.
	var where string
	var args []any
	if a.NID != nil {
		where = "nid = $1 AND type = $2 AND NOT resolved"
		args = []any{*a.NID, a.Type}
	} else {
		where = "nid IS NULL AND type = $1 AND NOT resolved"
		args = []any{a.Type}
	}
	_, err = r.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE alerts SET severity = $%d, message = $%d, metadata = $%d
		WHERE %s`, len(args)+1, len(args)+2, len(args)+3, where),
		append(args, a.Severity, a.Message, metadata)...)
	if err != nil {
		return fmt.Errorf("escalate alert: %w", err)
	}
	return nil
}

func (r *pgAlertRepository) ListUnresolved(ctx context.Context, limit int) ([]*domain.Alert, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT alert_id, nid, type, severity, message, metadata, resolved, resolved_at, created_at
		FROM alerts WHERE NOT resolved
		ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unresolved alerts: %w", err)
	}
	defer rows.Close()

	var result []*domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (r *pgAlertRepository) GetByID(ctx context.Context, alertID string) (*domain.Alert, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT alert_id, nid, type, severity, message, metadata, resolved, resolved_at, created_at
		FROM alerts WHERE alert_id = $1`, alertID)
	a, err := scanAlert(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrAlertNotFound
	}
	return a, err
}

func (r *pgAlertRepository) Resolve(ctx context.Context, alertID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE alerts SET resolved = true, resolved_at = now()
		WHERE alert_id = $1 AND NOT resolved`, alertID)
	if err != nil {
		return fmt.Errorf("resolve alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlertAlreadyDone
	}
	return nil
}

func scanAlert(row pgx.Row) (*domain.Alert, error) {
	var a domain.Alert
	var metadata []byte
	if err := row.Scan(&a.AlertID, &a.NID, &a.Type, &a.Severity, &a.Message, &metadata, &a.Resolved, &a.ResolvedAt, &a.CreatedAt); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal alert metadata: %w", err)
		}
	}
	return &a, nil
}
