package registry

import (
	"context"

	"go.uber.org/zap"

	"github.com/notifyhub/event-driven-arch/internal/domain"
)

// Router selects a provider for a channel and invokes it with the §4.B
// fallback policy.
type Router struct {
	registry *Registry
	logger   *zap.Logger
}

func NewRouter(registry *Registry, logger *zap.Logger) *Router {
	return &Router{registry: registry, logger: logger}
}

// SendWithFallback implements sendWithFallback(channel, notification)
// exactly per §4.B:
//
//  1. An explicit provider on the notification is used outright, never
//     falling back.
//  2. Otherwise the channel default is used; absent one is a terminal
//     NO_PROVIDER error.
//  3. A default success is returned as-is.
//  4. A retryable default failure is returned as-is — the core retries the
//     same provider later, it never falls back on a retryable error.
//  5. A non-retryable default failure tries the fallback once, if
//     configured; if both fail, the result is ALL_PROVIDERS_FAILED,
//     non-retryable.
func (r *Router) SendWithFallback(ctx context.Context, ch domain.Channel, explicitProviderID *string, n *domain.Notification) DeliveryResult {
	if explicitProviderID != nil {
		p, ok := r.registry.Get(*explicitProviderID)
		if !ok {
			return DeliveryResult{Err: &DeliveryError{Code: "NO_PROVIDER", Message: "explicit provider not registered", Retryable: false}}
		}
		return p.Send(ctx, n)
	}

	def, ok := r.registry.DefaultFor(ch)
	if !ok {
		return DeliveryResult{Err: &DeliveryError{Code: "NO_PROVIDER", Message: "no default provider for channel", Retryable: false}}
	}

	result := def.Send(ctx, n)
	if result.Success {
		return result
	}
	if result.Err != nil && result.Err.Retryable {
		return result
	}

	fallback, ok := r.registry.FallbackFor(ch)
	if !ok {
		return result
	}

	r.logger.Warn("default provider failed non-retryably, invoking fallback",
		zap.String("channel", string(ch)),
		zap.String("default_provider", def.Manifest().ID),
		zap.String("fallback_provider", fallback.Manifest().ID),
	)

	fallbackResult := fallback.Send(ctx, n)
	if fallbackResult.Success {
		return fallbackResult
	}

	return DeliveryResult{Err: &DeliveryError{Code: "ALL_PROVIDERS_FAILED", Message: fallbackResult.errMessage(), Retryable: false}}
}

func (r DeliveryResult) errMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Message
}
