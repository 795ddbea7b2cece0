package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Env:                 "production",
		DatabaseURL:         "postgres://localhost/sync",
		ClinicBaseURL:       "https://clinic.example.com/api",
		ClinicEmail:         "sync@example.com",
		ClinicPassword:      "secret",
		CRMBaseURL:          "https://crm.example.com",
		CRMClientID:         "client",
		CRMClientSecret:     "secret",
		SyncInterval:        time.Hour,
		SyncPageSize:        200,
		SyncWindowDays:      365,
		TokenLifetime:       24 * time.Hour,
		DeadLetterThreshold: 5,
	}
}

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when DATABASE_URL is missing")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/sync")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.SyncInterval != time.Hour {
		t.Errorf("expected default sync interval 1h, got %s", cfg.SyncInterval)
	}
	if cfg.TokenLifetime != 24*time.Hour {
		t.Errorf("expected default token lifetime 24h, got %s", cfg.TokenLifetime)
	}
	if cfg.DeadLetterThreshold != 5 {
		t.Errorf("expected default dead letter threshold 5, got %d", cfg.DeadLetterThreshold)
	}
}

func TestValidate_Valid(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_RequiresRemoteCredentialsOutsideDev(t *testing.T) {
	cfg := validConfig()
	cfg.ClinicPassword = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error without clinic credentials")
	}

	cfg = validConfig()
	cfg.CRMClientSecret = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error without crm credentials")
	}
}

func TestValidate_DevSkipsCredentialChecks(t *testing.T) {
	cfg := validConfig()
	cfg.Env = "development"
	cfg.ClinicPassword = ""
	cfg.CRMClientSecret = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("development mode should not require remote credentials: %v", err)
	}
}

func TestValidate_RejectsBadTunables(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero sync interval", func(c *Config) { c.SyncInterval = 0 }},
		{"zero page size", func(c *Config) { c.SyncPageSize = 0 }},
		{"short token lifetime", func(c *Config) { c.TokenLifetime = 30 * time.Minute }},
		{"zero dead letter threshold", func(c *Config) { c.DeadLetterThreshold = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestRefreshInterval(t *testing.T) {
	cfg := &Config{TokenLifetime: 24 * time.Hour}
	if got := cfg.RefreshInterval(); got != 20*time.Hour {
		t.Errorf("expected 20h refresh interval for 24h tokens, got %s", got)
	}
}

func TestSyncWindow(t *testing.T) {
	cfg := &Config{SyncWindowDays: 30}
	if got := cfg.SyncWindow(); got != 30*24*time.Hour {
		t.Errorf("expected 720h window, got %s", got)
	}
}
