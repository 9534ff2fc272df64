package plugins_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/notifyhub/event-driven-arch/internal/domain"
	"github.com/notifyhub/event-driven-arch/internal/plugins"
	"github.com/notifyhub/event-driven-arch/internal/registry"
)

const testYAML = `
providers:
  - package: email-webhook
    id: email-primary
    channel: email
    credentials:
      base_url: "${TEST_EMAIL_PROVIDER_URL}"
    options:
      priority: 10
      rate_limit: {max_tokens: 50, refill_rate: 10}
  - package: whatsapp-webhook
    id: whatsapp-primary
    channel: whatsapp
    credentials:
      base_url: "${TEST_WHATSAPP_PROVIDER_URL}"
    options:
      priority: 10
      rate_limit: {max_tokens: 20, refill_rate: 5}
channels:
  email:    {default_id: email-primary}
  whatsapp: {default_id: whatsapp-primary}
`

func TestLoadAndBuild_RegistersProvidersAndChannelDefaults(t *testing.T) {
	t.Setenv("TEST_EMAIL_PROVIDER_URL", "http://email.internal/send")
	t.Setenv("TEST_WHATSAPP_PROVIDER_URL", "http://whatsapp.internal/send")

	dir := t.TempDir()
	path := filepath.Join(dir, "plugins.yaml")
	if err := os.WriteFile(path, []byte(testYAML), 0o644); err != nil {
		t.Fatalf("write test yaml: %v", err)
	}

	cfg, err := plugins.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers[0].Credentials["base_url"] != "http://email.internal/send" {
		t.Fatalf("expected ${VAR} interpolation, got %q", cfg.Providers[0].Credentials["base_url"])
	}

	reg := registry.New()
	if err := plugins.Build(context.Background(), cfg, reg, zap.NewNop()); err != nil {
		t.Fatalf("Build: %v", err)
	}

	if _, ok := reg.Get("email-primary"); !ok {
		t.Fatalf("expected email-primary registered")
	}
	if _, ok := reg.Get("whatsapp-primary"); !ok {
		t.Fatalf("expected whatsapp-primary registered")
	}

	def, ok := reg.DefaultFor(domain.Channel("email"))
	if !ok || def.Manifest().ID != "email-primary" {
		t.Fatalf("expected email-primary as default for email channel")
	}
}

func TestBuild_UnknownPackageErrors(t *testing.T) {
	cfg := &plugins.Config{
		Providers: []plugins.ProviderConfig{
			{Package: "sms-carrier-x", ID: "sms-1", Channel: "sms"},
		},
	}
	reg := registry.New()
	if err := plugins.Build(context.Background(), cfg, reg, zap.NewNop()); err == nil {
		t.Fatalf("expected error for unknown provider package")
	}
}
