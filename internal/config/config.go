package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is everything the server reads from the environment. A .env file
// in the working directory is honored when present.
type Config struct {
	// Addr is the listen address for the HTTP/websocket server.
	Addr string `env:"ADDR" envDefault:":3001"`
	// DatabaseURL enables the Postgres action archive when set.
	DatabaseURL string `env:"DATABASE_URL"`
	// DevLog switches to the human-readable development logger.
	DevLog bool `env:"DEV_LOG" envDefault:"false"`
}

func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
