// Package config loads service configuration from the environment.
//
// A .env file in the working directory is read first when present; real
// environment variables take precedence over it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

type Config struct {
	// HTTP server
	Server struct {
		Port            int           `envconfig:"PORT" default:"8080"`
		ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	}

	// Persistence. Without DATABASE_URL the in-memory store is used;
	// REDIS_URL adds a read-through cache in front of PostgreSQL.
	Store struct {
		DatabaseURL string        `envconfig:"DATABASE_URL"`
		RedisURL    string        `envconfig:"REDIS_URL"`
		CacheTTL    time.Duration `envconfig:"CACHE_TTL" default:"30s"`
	}

	// Settlement economics and risk limits. Zero limits are unenforced.
	Trading struct {
		CommissionRate       decimal.Decimal `envconfig:"COMMISSION_RATE" default:"0.001"`
		InitialBalance       decimal.Decimal `envconfig:"INITIAL_BALANCE" default:"10000"`
		Currency             string          `envconfig:"CURRENCY" default:"USD"`
		MaxPositionPerSymbol decimal.Decimal `envconfig:"MAX_POSITION_PER_SYMBOL" default:"0"`
		MaxGrossPosition     decimal.Decimal `envconfig:"MAX_GROSS_POSITION" default:"0"`
	}

	// Market data
	Quotes struct {
		Jitter  decimal.Decimal `envconfig:"QUOTE_JITTER" default:"0.02"`
		Seed    int64           `envconfig:"QUOTE_SEED" default:"1"`
		FeedURL string          `envconfig:"QUOTE_FEED_URL"`
	}

	App struct {
		SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`
		LogLevel      string        `envconfig:"LOG_LEVEL" default:"info"`
	}
}

// Validate checks the loaded values are usable.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Store.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive")
	}
	if c.Trading.CommissionRate.IsNegative() || c.Trading.CommissionRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("COMMISSION_RATE must be in [0, 1), got %s", c.Trading.CommissionRate)
	}
	if c.Trading.InitialBalance.IsNegative() {
		return fmt.Errorf("INITIAL_BALANCE must not be negative")
	}
	if c.Trading.MaxPositionPerSymbol.IsNegative() || c.Trading.MaxGrossPosition.IsNegative() {
		return fmt.Errorf("position limits must not be negative")
	}
	if c.Quotes.Jitter.IsNegative() || c.Quotes.Jitter.GreaterThan(decimal.RequireFromString("0.5")) {
		return fmt.Errorf("QUOTE_JITTER must be in [0, 0.5], got %s", c.Quotes.Jitter)
	}
	if c.App.SweepInterval < time.Second {
		return fmt.Errorf("SWEEP_INTERVAL must be at least 1s")
	}
	if _, err := parseLevel(c.App.LogLevel); err != nil {
		return err
	}
	return nil
}

// LogLevel returns the configured slog level.
func (c *Config) LogLevel() slog.Level {
	lvl, _ := parseLevel(c.App.LogLevel)
	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", s)
}

// Load reads configuration from the optional files (default .env) and the
// environment, then validates it.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
