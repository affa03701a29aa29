// Package config loads relay server settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every runtime knob for the relay server. Fields without an
// explicit default are optional; main falls back to static or in-memory
// implementations when the corresponding backend is not configured.
type Config struct {
	HTTPPort string `env:"RELAY_HTTP_PORT" envDefault:"8080"`
	LogLevel string `env:"RELAY_LOG_LEVEL" envDefault:"info"`

	// Backends. Empty DSNs select the static/in-memory fallbacks.
	PostgresDSN   string `env:"POSTGRES_DSN"`
	ClickHouseDSN string `env:"CLICKHOUSE_DSN"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Secrets. When empty, main generates ephemeral ones and warns; fine for
	// dev, useless across restarts or replicas.
	TokenSecret   string `env:"RELAY_TOKEN_SECRET"`
	SigningSecret string `env:"RELAY_SIGNING_SECRET"`

	TokenTTL        time.Duration `env:"RELAY_TOKEN_TTL" envDefault:"5m"`
	ReplayWindow    time.Duration `env:"RELAY_REPLAY_WINDOW" envDefault:"5m"`
	IdempotencyTTL  time.Duration `env:"RELAY_IDEMPOTENCY_TTL" envDefault:"24h"`
	FailureCooldown time.Duration `env:"RELAY_FAILURE_COOLDOWN" envDefault:"1m"`
	InFlightWait    time.Duration `env:"RELAY_INFLIGHT_WAIT" envDefault:"0s"`
	WebhookTimeout  time.Duration `env:"RELAY_WEBHOOK_TIMEOUT" envDefault:"10s"`

	RatePerMinute int `env:"RELAY_RATE_PER_MINUTE" envDefault:"60"`
	RateBurst     int `env:"RELAY_RATE_BURST" envDefault:"10"`

	// ValidateAll reports every schema violation in a preview rejection
	// instead of only the first.
	ValidateAll bool `env:"RELAY_VALIDATE_ALL" envDefault:"false"`

	AuthCacheTTL     time.Duration `env:"RELAY_AUTH_CACHE_TTL" envDefault:"30s"`
	RegistryCacheTTL time.Duration `env:"RELAY_REGISTRY_CACHE_TTL" envDefault:"60s"`

	// Static dev mode inputs.
	ActionsFile string `env:"RELAY_ACTIONS_FILE"`
	APIKeys     string `env:"RELAY_API_KEYS"`

	AuditBuffer  int `env:"RELAY_AUDIT_BUFFER" envDefault:"10000"`
	AuditMaxRead int `env:"RELAY_AUDIT_MAX_READ" envDefault:"500"`
}

// Load parses the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"RELAY_TOKEN_TTL", c.TokenTTL},
		{"RELAY_REPLAY_WINDOW", c.ReplayWindow},
		{"RELAY_IDEMPOTENCY_TTL", c.IdempotencyTTL},
		{"RELAY_FAILURE_COOLDOWN", c.FailureCooldown},
		{"RELAY_WEBHOOK_TIMEOUT", c.WebhookTimeout},
	} {
		if d.val <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.val)
		}
	}
	if c.InFlightWait < 0 {
		return fmt.Errorf("RELAY_INFLIGHT_WAIT must not be negative, got %s", c.InFlightWait)
	}
	if c.RatePerMinute <= 0 {
		return fmt.Errorf("RELAY_RATE_PER_MINUTE must be positive, got %d", c.RatePerMinute)
	}
	if c.RateBurst <= 0 {
		return fmt.Errorf("RELAY_RATE_BURST must be positive, got %d", c.RateBurst)
	}
	if c.AuditBuffer <= 0 {
		return fmt.Errorf("RELAY_AUDIT_BUFFER must be positive, got %d", c.AuditBuffer)
	}
	return nil
}
