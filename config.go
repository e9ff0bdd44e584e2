package main

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Addr       string `env:"FLUX_ADDR" envDefault:":8080"`
	AdminToken string `env:"FLUX_ADMIN_TOKEN" envDefault:"DEV"`

	DBDialect   string `env:"DB_DIALECT" envDefault:"sqlite"`
	SQLitePath  string `env:"DB_SQLITE_PATH"`
	PostgresDSN string `env:"DB_POSTGRES_DSN"`
	DatabaseURL string `env:"DATABASE_URL"`

	MilestonesFile string `env:"FLUX_MILESTONES_FILE"`
	NotifyBuffer   int    `env:"FLUX_NOTIFY_BUFFER" envDefault:"32"`

	OTelEnabled  bool   `env:"FLUX_OTEL_ENABLED" envDefault:"true"`
	OTelEndpoint string `env:"FLUX_OTEL_ENDPOINT"`
}

func loadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.NotifyBuffer <= 0 {
		return Config{}, fmt.Errorf("FLUX_NOTIFY_BUFFER must be positive, got %d", cfg.NotifyBuffer)
	}
	return cfg, nil
}
