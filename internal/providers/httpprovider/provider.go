// Package httpprovider generalizes the teacher's WebhookProvider — a
// single HTTP-POST delivery shape — into a registry.Provider that can be
// instantiated once per channel/provider pair from plugins.yaml, rather
// than hard-coded per channel. The email and whatsapp providers wired in
// internal/plugins are both this same type with different manifests,
// schemas, and base URLs.
package httpprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/notifyhub/event-driven-arch/internal/domain"
	"github.com/notifyhub/event-driven-arch/internal/registry"
)

// sendRequest is the JSON body posted to the external provider.
type sendRequest struct {
	To      json.RawMessage `json:"to"`
	Channel string          `json:"channel"`
	Content json.RawMessage `json:"content"`
}

// sendResponse maps the provider's 202 Accepted response body.
type sendResponse struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// errorResponse maps the provider's error response body, used to
// distinguish retryable transport/5xx conditions from rejected payloads.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Validator checks a channel-shaped payload against a provider's declared
// schema, typically built with registry.ValidatePayloadAs.
type Validator func(domain.RawPayload) error

// Provider delivers notifications by POSTing to a configurable base URL.
type Provider struct {
	manifest        registry.Manifest
	rateLimit       registry.RateLimitConfig
	validateRecip   Validator
	validateContent Validator

	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func New(manifest registry.Manifest, rateLimit registry.RateLimitConfig, validateRecipient, validateContent Validator, timeout time.Duration) *Provider {
	return &Provider{
		manifest:        manifest,
		rateLimit:       rateLimit,
		validateRecip:   validateRecipient,
		validateContent: validateContent,
		httpClient:      &http.Client{Timeout: timeout},
	}
}

func (p *Provider) Manifest() registry.Manifest               { return p.manifest }
func (p *Provider) RateLimitConfig() registry.RateLimitConfig { return p.rateLimit }

func (p *Provider) ValidateRecipient(payload domain.RawPayload) error {
	if p.validateRecip == nil {
		return nil
	}
	return p.validateRecip(payload)
}

func (p *Provider) ValidateContent(payload domain.RawPayload) error {
	if p.validateContent == nil {
		return nil
	}
	return p.validateContent(payload)
}

// Initialize reads base_url and api_key from the plugin's credentials map,
// already ${ENV_VAR}-interpolated by internal/plugins. api_key is optional:
// some providers are reachable on an unauthenticated internal network.
func (p *Provider) Initialize(_ context.Context, credentials map[string]string) error {
	baseURL, ok := credentials["base_url"]
	if !ok || baseURL == "" {
		return fmt.Errorf("provider %s: missing base_url credential", p.manifest.ID)
	}
	p.baseURL = baseURL
	p.apiKey = credentials["api_key"]
	return nil
}

// HealthCheck issues a lightweight HEAD request against the base URL.
func (p *Provider) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.baseURL, nil)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

func (p *Provider) Send(ctx context.Context, n *domain.Notification) registry.DeliveryResult {
	body, err := json.Marshal(sendRequest{
		To:      json.RawMessage(n.Recipient),
		Channel: string(n.Channel),
		Content: json.RawMessage(n.Content),
	})
	if err != nil {
		return registry.DeliveryResult{Err: &registry.DeliveryError{Code: "MARSHAL_ERROR", Message: err.Error(), Retryable: false}}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(body))
	if err != nil {
		return registry.DeliveryResult{Err: &registry.DeliveryError{Code: "REQUEST_ERROR", Message: err.Error(), Retryable: false}}
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		// Transport-level failures (timeouts, connection refused) are
		// retryable: the provider may simply be transiently unreachable.
		return registry.DeliveryResult{Err: &registry.DeliveryError{Code: "TRANSPORT_ERROR", Message: err.Error(), Retryable: true}}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		var parsed sendResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return registry.DeliveryResult{Err: &registry.DeliveryError{Code: "DECODE_ERROR", Message: err.Error(), Retryable: false}}
		}
		return registry.DeliveryResult{Success: true, MessageID: parsed.MessageID}
	}

	var parsedErr errorResponse
	_ = json.NewDecoder(resp.Body).Decode(&parsedErr)
	if parsedErr.Code == "" {
		parsedErr.Code = fmt.Sprintf("HTTP_%d", resp.StatusCode)
	}

	return registry.DeliveryResult{Err: &registry.DeliveryError{
		Code:      parsedErr.Code,
		Message:   parsedErr.Message,
		Retryable: resp.StatusCode >= http.StatusInternalServerError,
	}}
}

func (p *Provider) Shutdown(_ context.Context) error {
	p.httpClient.CloseIdleConnections()
	return nil
}

var _ registry.Provider = (*Provider)(nil)
