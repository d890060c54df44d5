package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"

	"github.com/onlyus/sync-server-go/internal/util"
)

const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password",
}

type Config struct {
	Port                  int      `env:"PORT" envDefault:"8080"`
	Storage               string   `env:"STORAGE" envDefault:"postgres"`
	DatabaseURL           string   `env:"DATABASE_URL"`
	RedisURL              string   `env:"REDIS_URL"`
	AuthSecret            string   `env:"AUTH_SECRET,required"`
	EncryptionKey         string   `env:"ENCRYPTION_KEY"`
	SessionTTLSeconds     int      `env:"SESSION_TTL_SECONDS" envDefault:"600"`
	HandshakeGraceSeconds int      `env:"HANDSHAKE_GRACE_SECONDS" envDefault:"30"`
	CodeCooldownSeconds   int      `env:"CODE_COOLDOWN_SECONDS" envDefault:"600"`
	JoinRateLimitPerMin   int      `env:"JOIN_RATE_LIMIT_PER_MIN" envDefault:"10"`
	CORSOrigins           []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`
	LogLevel              string   `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

func (c *Config) HandshakeGrace() time.Duration {
	return time.Duration(c.HandshakeGraceSeconds) * time.Second
}

func (c *Config) CodeCooldown() time.Duration {
	return time.Duration(c.CodeCooldownSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) UsesPostgres() bool {
	return c.Storage == StoragePostgres
}

func (c *Config) Validate(isProduction bool) error {
	switch c.Storage {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE=%s", StoragePostgres)
		}
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when STORAGE=%s", StoragePostgres)
		}
	case StorageMemory:
	default:
		return fmt.Errorf("STORAGE must be %q or %q, got %q", StoragePostgres, StorageMemory, c.Storage)
	}

	if c.SessionTTLSeconds <= 0 {
		return fmt.Errorf("SESSION_TTL_SECONDS must be positive")
	}
	if c.HandshakeGraceSeconds <= 0 {
		return fmt.Errorf("HANDSHAKE_GRACE_SECONDS must be positive")
	}

	if c.EncryptionKey != "" {
		if _, err := util.NewSealer(c.EncryptionKey); err != nil {
			return fmt.Errorf("ENCRYPTION_KEY: %w", err)
		}
	}

	if isProduction {
		if err := validateSecret("AUTH_SECRET", c.AuthSecret); err != nil {
			return err
		}
		if c.Storage == StorageMemory {
			log.Warn().Msg("STORAGE=memory in production: sessions are lost on restart and not shared between instances")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if c.EncryptionKey == "" {
			log.Warn().Msg("ENCRYPTION_KEY is empty in production: signaling blobs will not be encrypted at rest")
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
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
