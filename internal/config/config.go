package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

const (
	DBPingTimeout         = 5 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerWriteTimeout    = 30 * time.Second
	ServerIdleTimeout     = 60 * time.Second
	ServerRequestTimeout  = 30 * time.Second
	ServerShutdownTimeout = 10 * time.Second
)

type Config struct {
	Port          int    `env:"PORT" envDefault:"8080"`
	DatabaseURL   string `env:"DATABASE_URL,required"`
	RedisURL      string `env:"REDIS_URL,required"`
	AdminToken    string `env:"ADMIN_TOKEN"`
	EncryptionKey string `env:"ENCRYPTION_KEY"`

	// HealthFloor is the minimum health score (0-100 scale) a shared-pool
	// account must have to be considered for allocation.
	HealthFloor  int `env:"HEALTH_FLOOR" envDefault:"70"`
	ErrorPenalty int `env:"ERROR_PENALTY" envDefault:"5"`

	LeaseTimeoutSeconds        int `env:"LEASE_TIMEOUT_SECONDS" envDefault:"120"`
	MaintenanceIntervalSeconds int `env:"MAINTENANCE_INTERVAL_SECONDS" envDefault:"60"`
	DefaultEstimatedTokens     int `env:"DEFAULT_ESTIMATED_TOKENS" envDefault:"1000"`

	LedgerStream string `env:"LEDGER_STREAM" envDefault:"usage:events"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) LeaseTimeout() time.Duration {
	return time.Duration(c.LeaseTimeoutSeconds) * time.Second
}

func (c *Config) MaintenanceInterval() time.Duration {
	return time.Duration(c.MaintenanceIntervalSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	if c.HealthFloor < 0 || c.HealthFloor > 100 {
		return fmt.Errorf("HEALTH_FLOOR must be within [0,100], got %d", c.HealthFloor)
	}
	if c.ErrorPenalty < 0 {
		return fmt.Errorf("ERROR_PENALTY must not be negative, got %d", c.ErrorPenalty)
	}
	if c.LeaseTimeoutSeconds <= 0 {
		return fmt.Errorf("LEASE_TIMEOUT_SECONDS must be positive, got %d", c.LeaseTimeoutSeconds)
	}

	if isProduction {
		if c.AdminToken == "" {
			log.Warn().Msg("ADMIN_TOKEN is empty in production: admin surface is unauthenticated")
		}
		if c.EncryptionKey == "" {
			log.Warn().Msg("ENCRYPTION_KEY is empty in production: account credentials cannot be decrypted")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
