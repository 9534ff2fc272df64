// Package whatsapp is a second concrete HTTP-POST provider, proving the
// registry and router work across more than one channel/provider pair.
package whatsapp

import (
	"time"

	"github.com/notifyhub/event-driven-arch/internal/domain"
	"github.com/notifyhub/event-driven-arch/internal/providers/httpprovider"
	"github.com/notifyhub/event-driven-arch/internal/registry"
)

// Recipient is the schema validated against Notification.Recipient.
type Recipient struct {
	Phone string `json:"phone" validate:"required,e164"`
}

// Content is the schema validated against Notification.Content.
type Content struct {
	Message string `json:"message" validate:"required"`
}

// New builds the whatsapp provider, registered under package id
// "whatsapp-webhook" in plugins.yaml.
func New(id string, rateLimit registry.RateLimitConfig, timeout time.Duration) registry.Provider {
	manifest := registry.Manifest{
		ID:                  id,
		Name:                "WhatsApp webhook provider",
		Channel:             domain.Channel("whatsapp"),
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
