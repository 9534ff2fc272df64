package domain

import "time"

// ChannelMessage is the payload published to a `<channel>_notification`
// topic (§6): everything the dispatch consumer needs to validate, rate
// limit, and attempt delivery without a second store round trip.
type ChannelMessage struct {
	NotificationID string     `json:"notification_id"`
	RequestID      string     `json:"request_id"`
	ClientID       string     `json:"client_id"`
	Channel        Channel    `json:"channel"`
	Provider       *string    `json:"provider,omitempty"`
	Recipient      RawPayload `json:"recipient"`
	Content        RawPayload `json:"content"`
	Variables      RawPayload `json:"variables,omitempty"`
	WebhookURL     string     `json:"webhook_url"`
	RetryCount     int        `json:"retry_count"`
	CreatedAt      time.Time  `json:"created_at"`
}

// DelayedMessage is the payload published to `delayed_notification`: an
// opaque channel payload plus the routing metadata the scheduled consumer
// and poller need to re-inject it at the right time and topic.
type DelayedMessage struct {
	NotificationID string     `json:"notification_id"`
	RequestID      string     `json:"request_id"`
	ClientID       string     `json:"client_id"`
	ScheduledAt    int64      `json:"scheduled_at"`
	TargetTopic    string     `json:"target_topic"`
	Payload        RawPayload `json:"payload"`
	CreatedAt      time.Time  `json:"created_at"`
	PollerRetryCount int      `json:"poller_retry_count,omitempty"`
}

// StatusMessage is the payload published to `notification_status` (§6).
type StatusMessage struct {
	NotificationID string    `json:"notification_id"`
	RequestID      string    `json:"request_id"`
	ClientID       string    `json:"client_id"`
	Channel        Channel   `json:"channel"`
	Status         string    `json:"status"`
	Message        string    `json:"message,omitempty"`
	RetryCount     int       `json:"retry_count"`
	WebhookURL     string    `json:"webhook_url"`
	CreatedAt      time.Time `json:"created_at"`
}

// WebhookCallback is the body POSTed to a notification's webhook_url.
type WebhookCallback struct {
	RequestID      string    `json:"request_id"`
	ClientID       string    `json:"client_id"`
	NotificationID string    `json:"notification_id"`
	Status         string    `json:"status"`
	Channel        Channel   `json:"channel"`
	Message        string    `json:"message,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// ChannelTopic returns the `<channel>_notification` topic name for ch.
func ChannelTopic(ch Channel) string {
	return string(ch) + "_notification"
}

const (
	DelayedNotificationTopic = "delayed_notification"
	NotificationStatusTopic  = "notification_status"
)
