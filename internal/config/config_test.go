package config

import (
	"testing"
	"time"
)

func TestLoadDefaultsFromEnv(t *testing.T) {
	t.Setenv("SQLDESK_BACKOFFICE_DSN", "postgres://localhost/backoffice")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Fatalf("unexpected addr: %s", cfg.HTTP.Addr)
	}
	if cfg.HTTP.ReadTimeout != 15*time.Second || cfg.HTTP.ShutdownTimeout != 10*time.Second {
		t.Fatalf("unexpected timeouts: %+v", cfg.HTTP)
	}
	if cfg.Query.SelectLimit != 10 || cfg.Query.ConfirmThreshold != 10 {
		t.Fatalf("unexpected query settings: %+v", cfg.Query)
	}
	if cfg.Auth.TokenTTL != 15*time.Minute {
		t.Fatalf("unexpected token ttl: %s", cfg.Auth.TokenTTL)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SQLDESK_PORTAL_DSN", "postgres://localhost/portal")
	t.Setenv("SQLDESK_HTTP_ADDR", ":9090")
	t.Setenv("SQLDESK_CONFIRM_THRESHOLD", "25")
	t.Setenv("SQLDESK_TOKEN_TTL", "1h")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":9090" {
		t.Fatalf("unexpected addr: %s", cfg.HTTP.Addr)
	}
	if cfg.Query.ConfirmThreshold != 25 {
		t.Fatalf("unexpected threshold: %d", cfg.Query.ConfirmThreshold)
	}
	if cfg.Auth.TokenTTL != time.Hour {
		t.Fatalf("unexpected ttl: %s", cfg.Auth.TokenTTL)
	}
}

func TestLoadRequiresATarget(t *testing.T) {
	t.Setenv("SQLDESK_BACKOFFICE_DSN", "")
	t.Setenv("SQLDESK_PORTAL_DSN", "")

	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error without target DSNs")
	}
}
