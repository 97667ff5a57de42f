package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Addr != ":8787" {
		t.Errorf("expected default addr :8787, got %q", cfg.Addr)
	}
	if cfg.TeamUpdateAttempts != 5 {
		t.Errorf("expected 5 update attempts, got %d", cfg.TeamUpdateAttempts)
	}
	if cfg.PresenceTimeout != 2*time.Second {
		t.Errorf("expected 2s presence timeout, got %s", cfg.PresenceTimeout)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("expected json log format, got %q", cfg.LogFormat)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("API_ADDR", ":9000")
	t.Setenv("REDIS_URL", "redis://localhost:6379/1")
	t.Setenv("RETRO_PRESENCE_TIMEOUT", "750ms")
	t.Setenv("RETRO_TEAM_UPDATE_ATTEMPTS", "9")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Addr != ":9000" {
		t.Errorf("expected :9000, got %q", cfg.Addr)
	}
	if cfg.RedisURL != "redis://localhost:6379/1" {
		t.Errorf("unexpected redis url %q", cfg.RedisURL)
	}
	if cfg.PresenceTimeout != 750*time.Millisecond {
		t.Errorf("expected 750ms, got %s", cfg.PresenceTimeout)
	}
	if cfg.TeamUpdateAttempts != 9 {
		t.Errorf("expected 9, got %d", cfg.TeamUpdateAttempts)
	}
}

func TestLoadRejectsZeroAttempts(t *testing.T) {
	t.Setenv("RETRO_TEAM_UPDATE_ATTEMPTS", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for zero attempts")
	}
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	t.Setenv("RETRO_PRESENCE_TIMEOUT", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("expected parse error for malformed duration")
	}
}
