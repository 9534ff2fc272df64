// Package registry implements the plugin/provider contract (§4.A) and the
// fallback routing policy (§4.B). Providers are statically linked, not
// dynamically loaded: a plugins.yaml file (see internal/plugins) decides
// which compiled-in provider package backs each registered id, the way the
// teacher wires a single WebhookProvider by config rather than by
// discovering one at runtime.
package registry

import (
	"context"

	"github.com/notifyhub/event-driven-arch/internal/domain"
)

// Manifest describes a provider's identity, independent of its runtime
// configuration.
type Manifest struct {
	ID                  string
	Name                string
	Channel             domain.Channel
	Version             string
	RequiredCredentials []string
}

// RateLimitConfig is a provider's declared token-bucket shape, read by the
// dispatch consumer on every message and passed to (D)'s rate limiter.
type RateLimitConfig struct {
	MaxTokens  int
	RefillRate float64
}

// DeliveryError is the structured failure a provider reports instead of
// a bare Go error, so the router can decide whether to retry or fall back.
type DeliveryError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *DeliveryError) Error() string {
	return e.Code + ": " + e.Message
}

// DeliveryResult is a provider's outcome for one send attempt.
type DeliveryResult struct {
	Success   bool
	MessageID string
	Err       *DeliveryError
}

// Provider abstracts delivery to one external notification service for one
// channel. Concrete implementations live in internal/providers/*.
type Provider interface {
	Manifest() Manifest
	RateLimitConfig() RateLimitConfig

	// ValidateRecipient and ValidateContent check the channel-shaped
	// recipient/content payloads against this provider's declared schema
	// before a send is attempted.
	ValidateRecipient(payload domain.RawPayload) error
	ValidateContent(payload domain.RawPayload) error

	Initialize(ctx context.Context, credentials map[string]string) error
	HealthCheck(ctx context.Context) bool
	Send(ctx context.Context, n *domain.Notification) DeliveryResult
	Shutdown(ctx context.Context) error
}
