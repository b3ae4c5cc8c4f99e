package kiosk

import (
	"flag"
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("kiosk", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.BackendURL != "http://localhost:8000" {
		t.Fatalf("expected default backend url, got %q", cfg.BackendURL)
	}
	if cfg.StorePath != "kiosk.db" {
		t.Fatalf("expected default store path, got %q", cfg.StorePath)
	}
	if cfg.WebAuthn.RPID != "localhost" {
		t.Fatalf("expected default rp id, got %q", cfg.WebAuthn.RPID)
	}
	if cfg.WebAuthn.Timeout != 30*time.Second {
		t.Fatalf("expected default webauthn timeout, got %s", cfg.WebAuthn.Timeout)
	}
}

func TestParseConfigEnvOverride(t *testing.T) {
	t.Setenv("KIOSKGATE_BACKEND_URL", "https://gym.example.com")
	t.Setenv("KIOSKGATE_WEBAUTHN_RP_ID", "gym.example.com")

	fs := flag.NewFlagSet("kiosk", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.BackendURL != "https://gym.example.com" {
		t.Fatalf("expected env backend url, got %q", cfg.BackendURL)
	}
	if cfg.WebAuthn.RPID != "gym.example.com" {
		t.Fatalf("expected env rp id, got %q", cfg.WebAuthn.RPID)
	}
}

func TestParseConfigFlagsBeatEnv(t *testing.T) {
	t.Setenv("KIOSKGATE_STORE_PATH", "env.db")

	fs := flag.NewFlagSet("kiosk", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-store-path", "flag.db", "-rp-id", "kiosk.local"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.StorePath != "flag.db" {
		t.Fatalf("expected flag store path, got %q", cfg.StorePath)
	}
	if cfg.WebAuthn.RPID != "kiosk.local" {
		t.Fatalf("expected flag rp id, got %q", cfg.WebAuthn.RPID)
	}
}
