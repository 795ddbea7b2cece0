package config

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	ClinicBaseURL  string `mapstructure:"CLINIC_BASE_URL"`
	ClinicEmail    string `mapstructure:"CLINIC_EMAIL"`
	ClinicPassword string `mapstructure:"CLINIC_PASSWORD"`

	CRMBaseURL      string `mapstructure:"CRM_BASE_URL"`
	CRMClientID     string `mapstructure:"CRM_CLIENT_ID"`
	CRMClientSecret string `mapstructure:"CRM_CLIENT_SECRET"`
	CRMRedirectURI  string `mapstructure:"CRM_REDIRECT_URI"`
	CRMScope        string `mapstructure:"CRM_SCOPE"`
	CRMCalendarID   string `mapstructure:"CRM_CALENDAR_ID"`
	CRMAssignedUser string `mapstructure:"CRM_ASSIGNED_USER_ID"`

	SyncInterval   time.Duration `mapstructure:"SYNC_INTERVAL"`
	SyncPageSize   int           `mapstructure:"SYNC_PAGE_SIZE"`
	SyncWindowDays int           `mapstructure:"SYNC_WINDOW_DAYS"`

	CRMRateLimitRPS   float64 `mapstructure:"CRM_RATE_LIMIT_RPS"`
	CRMRateLimitBurst int     `mapstructure:"CRM_RATE_LIMIT_BURST"`

	TokenLifetime time.Duration `mapstructure:"TOKEN_LIFETIME"`
	HTTPTimeout   time.Duration `mapstructure:"HTTP_TIMEOUT"`

	DeadLetterThreshold int `mapstructure:"DEAD_LETTER_THRESHOLD"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("SYNC_INTERVAL", "1h")
	v.SetDefault("SYNC_PAGE_SIZE", 200)
	v.SetDefault("SYNC_WINDOW_DAYS", 365)
	v.SetDefault("CRM_RATE_LIMIT_RPS", 10)
	v.SetDefault("CRM_RATE_LIMIT_BURST", 10)
	v.SetDefault("TOKEN_LIFETIME", "24h")
	v.SetDefault("HTTP_TIMEOUT", "10s")
	v.SetDefault("DEAD_LETTER_THRESHOLD", 5)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"CLINIC_BASE_URL", "CLINIC_EMAIL", "CLINIC_PASSWORD",
		"CRM_BASE_URL", "CRM_CLIENT_ID", "CRM_CLIENT_SECRET",
		"CRM_REDIRECT_URI", "CRM_SCOPE", "CRM_CALENDAR_ID", "CRM_ASSIGNED_USER_ID",
		"SYNC_INTERVAL", "SYNC_PAGE_SIZE", "SYNC_WINDOW_DAYS",
		"CRM_RATE_LIMIT_RPS", "CRM_RATE_LIMIT_BURST",
		"TOKEN_LIFETIME", "HTTP_TIMEOUT", "DEAD_LETTER_THRESHOLD",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in DEVELOPMENT mode (ENV=development); remote credentials are not enforced")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// RefreshInterval derives the proactive token refresh interval from the
// token lifetime. The 5:6 ratio leaves one sixth of the lifetime as margin
// for clock skew and failed refresh attempts (20h for 24h tokens).
func (c *Config) RefreshInterval() time.Duration {
	return c.TokenLifetime * 5 / 6
}

// SyncWindow returns the half-width of the appointment pull range.
func (c *Config) SyncWindow() time.Duration {
	return time.Duration(c.SyncWindowDays) * 24 * time.Hour
}

// Validate checks that the configuration is safe to run. Outside development
// the remote credentials for both systems must be present, since every sync
// path needs them.
func (c *Config) Validate() error {
	if !c.IsDev() {
		if c.ClinicBaseURL == "" || c.ClinicEmail == "" || c.ClinicPassword == "" {
			return fmt.Errorf("CLINIC_BASE_URL, CLINIC_EMAIL and CLINIC_PASSWORD are required outside development")
		}
		if c.CRMBaseURL == "" || c.CRMClientID == "" || c.CRMClientSecret == "" {
			return fmt.Errorf("CRM_BASE_URL, CRM_CLIENT_ID and CRM_CLIENT_SECRET are required outside development")
		}
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("SYNC_INTERVAL must be positive, got %s", c.SyncInterval)
	}
	if c.SyncPageSize <= 0 {
		return fmt.Errorf("SYNC_PAGE_SIZE must be positive, got %d", c.SyncPageSize)
	}
	if c.TokenLifetime < time.Hour {
		return fmt.Errorf("TOKEN_LIFETIME must be at least 1h, got %s", c.TokenLifetime)
	}
	if c.DeadLetterThreshold <= 0 {
		return fmt.Errorf("DEAD_LETTER_THRESHOLD must be positive, got %d", c.DeadLetterThreshold)
	}
	return nil
}
