package domain

import "time"

// OutboxStatus tracks the lifecycle of an OutboxRow.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxPublished OutboxStatus = "published"
)

// OutboxRow is created in the same transaction as its Notification
// (invariant O1) and flips to Published only after the outbox dispatcher
// confirms durable publish to the bus (invariant O2).
type OutboxRow struct {
	RowID      int64        `json:"row_id"`
	NID        string       `json:"nid"`
	Topic      string       `json:"topic"`
	Payload    RawPayload   `json:"payload"`
	Status     OutboxStatus `json:"status"`
	ClaimedBy  *string      `json:"claimed_by,omitempty"`
	ClaimedAt  *time.Time   `json:"claimed_at,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// StatusOutboxStatus is the terminal outcome recorded for the recovery
// reconciler's ghost-delivery detection pass.
type StatusOutboxStatus string

const (
	StatusOutboxDelivered StatusOutboxStatus = "delivered"
	StatusOutboxFailed    StatusOutboxStatus = "failed"
)

// StatusOutboxRow mirrors OutboxRow's claim-lease discipline but is
// consumed only by the recovery reconciler (component J), not the
// dispatcher.
type StatusOutboxRow struct {
	RowID     int64              `json:"row_id"`
	NID       string             `json:"nid"`
	Status    StatusOutboxStatus `json:"status"`
	Processed bool               `json:"processed"`
	ClaimedBy *string            `json:"claimed_by,omitempty"`
	ClaimedAt *time.Time         `json:"claimed_at,omitempty"`
}
