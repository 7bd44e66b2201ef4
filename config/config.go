// Package config loads runtime settings from the environment.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds every setting the api binary needs.
type Config struct {
	DatabaseURL     string `env:"DATABASE_URL,required"`
	JWTSecret       string `env:"JWT_SECRET,required"`
	ListenAddr      string `env:"LISTEN_ADDR" envDefault:":8080"`
	DBMaxConns      int32  `env:"DB_MAX_CONNS" envDefault:"16"`
	OutboxConsumers int    `env:"OUTBOX_CONSUMERS" envDefault:"2"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	return cfg, nil
}
