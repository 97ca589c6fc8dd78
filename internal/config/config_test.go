package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noEnvFile names a .env path that does not exist.
func noEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), ".env")
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(noEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Store.CacheTTL)
	assert.True(t, cfg.Trading.CommissionRate.Equal(decimal.RequireFromString("0.001")))
	assert.True(t, cfg.Trading.InitialBalance.Equal(decimal.NewFromInt(10000)))
	assert.True(t, cfg.Quotes.Jitter.Equal(decimal.RequireFromString("0.02")))
	assert.Equal(t, time.Minute, cfg.App.SweepInterval)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel())
	assert.Empty(t, cfg.Store.DatabaseURL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("COMMISSION_RATE", "0.0025")
	t.Setenv("MAX_POSITION_PER_SYMBOL", "500")
	t.Setenv("SWEEP_INTERVAL", "30s")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(noEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.True(t, cfg.Trading.CommissionRate.Equal(decimal.RequireFromString("0.0025")))
	assert.True(t, cfg.Trading.MaxPositionPerSymbol.Equal(decimal.NewFromInt(500)))
	assert.Equal(t, 30*time.Second, cfg.App.SweepInterval)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel())
}

func TestLoad_DotEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("INITIAL_BALANCE=2500\nQUOTE_SEED=42\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("INITIAL_BALANCE") })

	// Real environment wins over the file.
	t.Setenv("QUOTE_SEED", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Trading.InitialBalance.Equal(decimal.NewFromInt(2500)))
	assert.Equal(t, int64(7), cfg.Quotes.Seed)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"PORT", "0"},
		{"COMMISSION_RATE", "1.5"},
		{"INITIAL_BALANCE", "-1"},
		{"QUOTE_JITTER", "0.9"},
		{"SWEEP_INTERVAL", "10ms"},
		{"LOG_LEVEL", "loud"},
		{"MAX_GROSS_POSITION", "-5"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			_, err := Load(noEnvFile(t))
			assert.Error(t, err)
		})
	}
}
