// Package email is the concrete email provider: an HTTP-POST delivery
// backed by internal/providers/httpprovider, with the recipient/content
// schema §4.A asks every provider to declare.
package email

import (
	"time"

	"github.com/notifyhub/event-driven-arch/internal/domain"
	"github.com/notifyhub/event-driven-arch/internal/providers/httpprovider"
	"github.com/notifyhub/event-driven-arch/internal/registry"
)

// Recipient is the schema validated against Notification.Recipient.
type Recipient struct {
	Email string `json:"email" validate:"required,email"`
}

// Content is the schema validated against Notification.Content.
type Content struct {
	Subject string `json:"subject" validate:"required"`
	Message string `json:"message" validate:"required"`
}

// New builds the email provider, registered under package id
// "email-webhook" in plugins.yaml.
func New(id string, rateLimit registry.RateLimitConfig, timeout time.Duration) registry.Provider {
	manifest := registry.Manifest{
		ID:                  id,
		Name:                "Email webhook provider",
		Channel:             domain.Channel("email"),
		Version:             "1.0.0",
		RequiredCredentials: []string{"base_url"},
	}

	return httpprovider.New(
		manifest,
		rateLimit,
		registry.ValidatePayloadAs[Recipient],
		registry.ValidatePayloadAs[Content],
		timeout,
	)
}
