package config

import (
	"os"
	"testing"
)

func TestValidateWebhookURL(t *testing.T) {
	valid := []string{
		"https://api.example.com/api/v1/webhook/ingest",
		"https://hooks.example.io/cb?token=abc",
	}
	for _, u := range valid {
		if err := ValidateWebhookURL(u); err != nil {
			t.Fatalf("%s should be accepted: %v", u, err)
		}
	}

	invalid := []string{
		"http://api.example.com/webhook",
		"https://localhost/webhook",
		"https://127.0.0.1:8080/webhook",
		"https://[::1]/webhook",
		"https://dev.local/webhook",
		"https://svc.internal/webhook",
		"ftp://example.com/webhook",
		"not a url at all://",
		"https://",
	}
	for _, u := range invalid {
		if err := ValidateWebhookURL(u); err == nil {
			t.Fatalf("%s should be rejected", u)
		}
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/orchestrator_test?sslmode=disable")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.ImageAPI.BaseURL == "" {
		t.Fatal("expected default image API base URL")
	}
	if cfg.ImageAPI.SubmitTimeoutSec != 120 || cfg.ImageAPI.FetchTimeoutSec != 60 {
		t.Fatalf("unexpected timeout defaults: %d/%d",
			cfg.ImageAPI.SubmitTimeoutSec, cfg.ImageAPI.FetchTimeoutSec)
	}
}

func TestLoadRequiresABackend(t *testing.T) {
	os.Unsetenv("DATABASE_URL")
	os.Unsetenv("SUPABASE_URL")

	if _, err := Load(); err == nil {
		t.Fatal("expected error without any backend configured")
	}
}

func TestLoadRejectsBadWebhookURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/orchestrator_test?sslmode=disable")
	t.Setenv("WEBHOOK_URL", "http://localhost:3000/webhook")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for plain-http localhost webhook URL")
	}
}

func TestLoadRequiresServiceKeyWithSupabase(t *testing.T) {
	os.Unsetenv("DATABASE_URL")
	t.Setenv("SUPABASE_URL", "https://project.supabase.co")
	os.Unsetenv("SUPABASE_SERVICE_ROLE_KEY")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for supabase URL without service key")
	}
}
