// Package domain holds the core entities of the notification delivery
// pipeline: Notification, Outbox, StatusOutbox and Alert, plus the
// sentinel errors and small value types shared across every other package.
package domain

import (
	"encoding/json"
	"time"
)

// Channel is a delivery medium. Unlike the teacher's fixed enum, channels
// here are open: the plugin registry is the source of truth for which
// channel names are actually usable, so Channel stays a plain string and
// validation happens against the registry, not a closed Go const set.
type Channel string

// Status tracks the lifecycle of a Notification, per the ingest-uniqueness
// invariant U1: at most one row with (RequestID, Channel) may have a status
// in {Pending, Processing, Delivered} at any time.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
)

// Blocking reports whether a status counts toward the U1 uniqueness
// invariant (pending/processing/delivered block a second attempt under the
// same (RequestID, Channel); failed does not).
func (s Status) Blocking() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusDelivered:
		return true
	default:
		return false
	}
}

// RawPayload is an opaque, channel-shaped JSON blob. The durable store
// never interprets it; only the provider matched to a notification knows
// how to unmarshal it against its own schema. This is the "opaque byte
// payload plus a channel tag" substitution called for by the design notes
// in place of the source's dynamic per-channel object shapes.
type RawPayload []byte

// MarshalJSON/UnmarshalJSON let RawPayload round-trip through both the
// pgx driver (jsonb columns) and the bus codec without double-encoding.
func (p RawPayload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return json.RawMessage(p).MarshalJSON()
}

func (p *RawPayload) UnmarshalJSON(data []byte) error {
	*p = append((*p)[0:0], data...)
	return nil
}

// Notification is the core entity. NID is the store-assigned identifier;
// RequestID and ClientID are client-supplied UUIDv4 values used for
// idempotent ingest and correlation. Lookups that matter for delivery
// correctness always go through NID.
type Notification struct {
	NID           string     `json:"nid"`
	RequestID     string     `json:"request_id"`
	ClientID      string     `json:"client_id"`
	Channel       Channel    `json:"channel"`
	Provider      *string    `json:"provider,omitempty"`
	Recipient     RawPayload `json:"recipient"`
	Content       RawPayload `json:"content"`
	Variables     RawPayload `json:"variables,omitempty"`
	WebhookURL    string     `json:"webhook_url"`
	Status        Status     `json:"status"`
	ScheduledAt   *time.Time `json:"scheduled_at,omitempty"`
	RetryCount    int        `json:"retry_count"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	ProviderMsgID *string    `json:"provider_message_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ListFilter holds query parameters for paginated notification listing,
// used by the admin introspection surface.
type ListFilter struct {
	Status  *Status
	Channel *Channel
	From    *time.Time
	To      *time.Time
	Page    int
	Limit   int
}

// IngestRequest is the single-notification ingest contract consumed from
// the (out-of-scope) HTTP collaborator. Structural validation of client
// payloads is the collaborator's job; the core only enforces what it needs
// in order to persist an outbox-backed row (U1, at least one channel).
type IngestRequest struct {
	RequestID   string            `json:"request_id"`
	ClientID    string            `json:"client_id"`
	ClientName  string            `json:"client_name,omitempty"`
	Channels    []string          `json:"channel"`
	Provider    []*string         `json:"provider,omitempty"`
	Recipient   RawPayload        `json:"recipient"`
	Content     RawPayload        `json:"content"`
	Variables   map[string]string `json:"variables,omitempty"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`
	WebhookURL  string            `json:"webhook_url"`
}

// BatchRecipient is one entry of a batch ingest request.
type BatchRecipient struct {
	RequestID string            `json:"request_id"`
	UserID    string            `json:"user_id"`
	Recipient RawPayload        `json:"recipient"`
	Variables map[string]string `json:"variables,omitempty"`
}

// BatchIngestRequest is the batch ingest contract. The effective
// notification count is len(Recipients) * len(Channels) and must not
// exceed the configured ceiling.
type BatchIngestRequest struct {
	ClientID    string           `json:"client_id"`
	Channels    []string         `json:"channel"`
	Provider    []*string        `json:"provider,omitempty"`
	Content     RawPayload       `json:"content"`
	Recipients  []BatchRecipient `json:"recipients"`
	ScheduledAt *time.Time       `json:"scheduled_at,omitempty"`
	WebhookURL  string           `json:"webhook_url"`
}

// DuplicateKey identifies a (request_id, channel) pair that collided with
// an existing blocking notification during ingest.
type DuplicateKey struct {
	RequestID string `json:"request_id"`
	Channel   string `json:"channel"`
}

// IngestResult is returned by the ingest service for a single-notification
// or batch request.
type IngestResult struct {
	Created    []*Notification `json:"created"`
	Duplicates []DuplicateKey  `json:"duplicates,omitempty"`
}
