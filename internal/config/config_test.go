package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	t.Parallel()
	assert.NoError(t, Default().Validate())
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode: live
server:
  port: "9090"
risk:
  confidence_threshold: 0.8
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ModeLive, cfg.Mode)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.InDelta(t, 0.8, cfg.Risk.ConfidenceThreshold, 1e-9)
	// Untouched sections keep their defaults.
	assert.Equal(t, 3, cfg.Execution.MaxRetries)
	assert.InDelta(t, 0.30, cfg.Risk.WeightPortfolio, 1e-9)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("DB_PATH", "/tmp/override.db")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "/tmp/override.db", cfg.Database.Path)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown mode", func(c *Config) { c.Mode = "dry-run" }},
		{"zero lock timeout", func(c *Config) { c.Lock.TimeoutMs = 0 }},
		{"zero retries", func(c *Config) { c.Execution.MaxRetries = 0 }},
		{"weights off balance", func(c *Config) { c.Risk.WeightPortfolio = 0.9 }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
