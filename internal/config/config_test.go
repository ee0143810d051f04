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

	if cfg.Round != DefaultRoundConfig() {
		t.Errorf("expected default round config, got %+v", cfg.Round)
	}
	if cfg.Server.Addr != ":8088" {
		t.Errorf("expected default addr, got %q", cfg.Server.Addr)
	}
	if cfg.Mail.Enabled {
		t.Error("mail should be disabled by default")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ROUNDEX_ROUND_SELLER_COUNT_CUTOFF", "5")
	t.Setenv("ROUNDEX_ROUND_LENGTH", "90m")
	t.Setenv("ROUNDEX_ROUND_REMINDER_LEAD", "30m")
	t.Setenv("ROUNDEX_SERVER_CORS_ORIGINS", "http://a.test, http://b.test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Round.SellerCountCutoff != 5 {
		t.Errorf("expected cutoff 5, got %d", cfg.Round.SellerCountCutoff)
	}
	if cfg.Round.RoundLength != 90*time.Minute {
		t.Errorf("expected 90m round, got %s", cfg.Round.RoundLength)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "http://b.test" {
		t.Errorf("unexpected origins %v", cfg.Server.CORSOrigins)
	}
}

func TestLoadRejectsReminderOutsideRound(t *testing.T) {
	t.Setenv("ROUNDEX_ROUND_LENGTH", "1h")
	t.Setenv("ROUNDEX_ROUND_REMINDER_LEAD", "2h")

	if _, err := Load(); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadMailRequiresCredentials(t *testing.T) {
	t.Setenv("ROUNDEX_MAIL_ENABLED", "true")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for mail without credentials")
	}
}
