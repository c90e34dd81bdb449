// Package config loads process configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8080"`
	JWTSecret   string `env:"JWT_SECRET,required"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// AuthorityID seeds the marketplace singleton on startup when set.
	AuthorityID string `env:"AUTHORITY_ID"`

	// StakeCurrency is the ledger stake deposits are denominated in.
	StakeCurrency string `env:"STAKE_CURRENCY" envDefault:"credits"`

	EventStream      string        `env:"EVENT_STREAM" envDefault:"agentmarket.events"`
	RelayInterval    time.Duration `env:"RELAY_INTERVAL" envDefault:"1s"`
	RelayBatchSize   int           `env:"RELAY_BATCH_SIZE" envDefault:"50"`
	RelayMaxAttempts int           `env:"RELAY_MAX_ATTEMPTS" envDefault:"5"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	return cfg, nil
}
