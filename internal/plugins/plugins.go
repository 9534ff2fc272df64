// Package plugins loads plugins.yaml and builds the registry.Registry from
// it: which provider packages are enabled, their per-channel priority and
// rate limits, and the channel -> default/fallback provider map. Providers
// are statically linked (§4.A); this package only wires the ones already
// compiled into internal/providers/* by package id.
package plugins

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/notifyhub/event-driven-arch/internal/domain"
	"github.com/notifyhub/event-driven-arch/internal/providers/email"
	"github.com/notifyhub/event-driven-arch/internal/providers/whatsapp"
	"github.com/notifyhub/event-driven-arch/internal/registry"
)

// RateLimitConfig mirrors registry.RateLimitConfig with yaml tags.
type RateLimitConfig struct {
	MaxTokens  int     `yaml:"max_tokens"`
	RefillRate float64 `yaml:"refill_rate"`
}

type ProviderOptions struct {
	Priority  int             `yaml:"priority"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type ProviderConfig struct {
	Package     string            `yaml:"package"`
	ID          string            `yaml:"id"`
	Channel     string            `yaml:"channel"`
	Credentials map[string]string `yaml:"credentials"`
	Options     ProviderOptions   `yaml:"options"`
}

type ChannelConfig struct {
	DefaultID  string `yaml:"default_id"`
	FallbackID string `yaml:"fallback_id,omitempty"`
}

type Config struct {
	Providers []ProviderConfig         `yaml:"providers"`
	Channels  map[string]ChannelConfig `yaml:"channels"`
}

// envOverlay carries process-wide defaults that plugins.yaml may omit,
// loaded with caarlos0/env rather than duplicating internal/config's
// hand-rolled getenv helpers for this one cross-cutting value.
type envOverlay struct {
	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"10s"`
}

// Load reads path, expands ${VAR} references against the process
// environment, and parses the result as a Config.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plugin config %s: %w", path, err)
	}

	expanded := os.Expand(string(raw), os.Getenv)

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse plugin config %s: %w", path, err)
	}
	return &cfg, nil
}

// Build instantiates every configured provider, initializes it with its
// credentials, registers it, and wires the channel default/fallback map.
func Build(ctx context.Context, cfg *Config, reg *registry.Registry, logger *zap.Logger) error {
	var overlay envOverlay
	if err := env.Parse(&overlay); err != nil {
		return fmt.Errorf("parse plugin env overlay: %w", err)
	}

	for _, pc := range cfg.Providers {
		prov, err := instantiate(pc, overlay.ProviderTimeout)
		if err != nil {
			return fmt.Errorf("provider %s: %w", pc.ID, err)
		}

		if err := prov.Initialize(ctx, pc.Credentials); err != nil {
			return fmt.Errorf("initialize provider %s: %w", pc.ID, err)
		}

		if err := reg.Register(prov, pc.Options.Priority); err != nil {
			return fmt.Errorf("register provider %s: %w", pc.ID, err)
		}

		logger.Info("registered provider",
			zap.String("id", pc.ID),
			zap.String("channel", pc.Channel),
			zap.Int("priority", pc.Options.Priority),
		)
	}

	for channel, cc := range cfg.Channels {
		if cc.DefaultID != "" {
			reg.SetDefault(domain.Channel(channel), cc.DefaultID)
		}
		if cc.FallbackID != "" {
			reg.SetFallback(domain.Channel(channel), cc.FallbackID)
		}
	}

	return nil
}

func instantiate(pc ProviderConfig, defaultTimeout time.Duration) (registry.Provider, error) {
	rateLimit := registry.RateLimitConfig{MaxTokens: pc.Options.RateLimit.MaxTokens, RefillRate: pc.Options.RateLimit.RefillRate}

	switch pc.Package {
	case "email-webhook":
		return email.New(pc.ID, rateLimit, defaultTimeout), nil
	case "whatsapp-webhook":
		return whatsapp.New(pc.ID, rateLimit, defaultTimeout), nil
	default:
		return nil, fmt.Errorf("unknown provider package %q", pc.Package)
	}
}
