package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environments.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config is the full runtime configuration. Values come from an optional
// YAML file pre-seeded first, then environment variables, which always win.
type Config struct {
	ListenAddr    string        `yaml:"listen_addr"`
	Environment   string        `yaml:"environment"`
	JWTSecret     string        `yaml:"jwt_secret"`
	AccessTTL     time.Duration `yaml:"access_ttl"`
	RefreshTTL    time.Duration `yaml:"refresh_ttl"`
	DatabaseURL   string        `yaml:"database_url"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	EmailFrom     string        `yaml:"email_from"`
	EmailFromName string        `yaml:"email_from_name"`
	PostmarkToken string        `yaml:"postmark_token"`
	BaseURL       string        `yaml:"base_url"`
}

// IsProduction reports whether production-only requirements apply.
func (c Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// Load reads the optional YAML file named by GATEHOUSE_CONFIG_FILE, overlays
// environment variables, applies defaults, and validates.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:    ":8080",
		Environment:   EnvDevelopment,
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    168 * time.Hour,
		EmailFromName: "Gatehouse",
	}

	if path := strings.TrimSpace(os.Getenv("GATEHOUSE_CONFIG_FILE")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	overlayString(&cfg.ListenAddr, "GATEHOUSE_LISTEN_ADDR")
	overlayString(&cfg.Environment, "GATEHOUSE_ENV")
	overlayString(&cfg.JWTSecret, "GATEHOUSE_JWT_SECRET")
	overlayString(&cfg.DatabaseURL, "GATEHOUSE_DATABASE_URL")
	overlayString(&cfg.RedisAddr, "GATEHOUSE_REDIS_ADDR")
	overlayString(&cfg.RedisPassword, "GATEHOUSE_REDIS_PASSWORD")
	overlayString(&cfg.EmailFrom, "GATEHOUSE_EMAIL_FROM")
	overlayString(&cfg.EmailFromName, "GATEHOUSE_EMAIL_FROM_NAME")
	overlayString(&cfg.PostmarkToken, "GATEHOUSE_POSTMARK_TOKEN")
	overlayString(&cfg.BaseURL, "GATEHOUSE_BASE_URL")
	if err := overlayDuration(&cfg.AccessTTL, "GATEHOUSE_ACCESS_TTL"); err != nil {
		return Config{}, err
	}
	if err := overlayDuration(&cfg.RefreshTTL, "GATEHOUSE_REFRESH_TTL"); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Environment != EnvDevelopment && c.Environment != EnvProduction {
		return fmt.Errorf("GATEHOUSE_ENV must be %q or %q, got %q", EnvDevelopment, EnvProduction, c.Environment)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("GATEHOUSE_JWT_SECRET is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("GATEHOUSE_DATABASE_URL is required")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("GATEHOUSE_REDIS_ADDR is required")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("GATEHOUSE_BASE_URL is required")
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		return fmt.Errorf("token lifetimes must be positive")
	}
	if c.IsProduction() {
		if c.PostmarkToken == "" {
			return fmt.Errorf("GATEHOUSE_POSTMARK_TOKEN is required in production")
		}
		if c.EmailFrom == "" {
			return fmt.Errorf("GATEHOUSE_EMAIL_FROM is required in production")
		}
	}
	return nil
}

func overlayString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func overlayDuration(dst *time.Duration, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", key, v, err)
	}
	*dst = d
	return nil
}
