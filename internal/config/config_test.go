package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Auth.SigningSecret = "test-secret"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 540, cfg.Runner.StandardTimeout)
	assert.Equal(t, 3600, cfg.Runner.ComplexTimeout)
	assert.Equal(t, 300, cfg.Runner.InteractiveTimeout)
	assert.Equal(t, int64(25*1024*1024), cfg.Limits.AudioMaxBytes)
	assert.Equal(t, int64(50*1024*1024), cfg.Limits.DocumentMaxBytes)
	assert.Equal(t, 5, cfg.Session.ExpiryHours)
	assert.Equal(t, 10, cfg.Session.HistoryCap)
	assert.Equal(t, 30, cfg.Auth.TokenLifetimeMin)
}

func TestDurationHelpers(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 30*time.Minute, cfg.TokenLifetime())
	assert.Equal(t, 5*time.Hour, cfg.SessionExpiry())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing secret", func(c *Config) { c.Auth.SigningSecret = "" }, "signing secret"},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "port"},
		{"zero history cap", func(c *Config) { c.Session.HistoryCap = 0 }, "history cap"},
		{"zero expiry", func(c *Config) { c.Session.ExpiryHours = 0 }, "expiry"},
		{"threshold too high", func(c *Config) { c.Router.Threshold = 1.5 }, "threshold"},
		{"empty tool command", func(c *Config) { c.Runner.ToolCommand = nil }, "tool command"},
		{"zero timeout", func(c *Config) { c.Runner.ComplexTimeout = 0 }, "timeouts"},
		{"zero pool", func(c *Config) { c.Runner.MaxConcurrent = 0 }, "max concurrent"},
		{"zero audio limit", func(c *Config) { c.Limits.AudioMaxBytes = 0 }, "size limits"},
		{"whisper without binary", func(c *Config) {
			c.Transcription.WhisperEnabled = true
			c.Transcription.WhisperBinary = ""
		}, "whisper"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoader_MissingFileReturnsDefaults(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "missing.json")

	cfg, err := Load(cfgPath)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.NotEmpty(t, cfg.DataDir)
	assert.NotEmpty(t, cfg.Database.Path)
}

func TestLoader_ReadsFile(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "arkon.json")
	content := `{
		"server": {"port": 9191},
		"auth": {"signing_secret": "from-file"},
		"session": {"expiry_hours": 2, "history_cap": 4}
	}`
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0600))

	cfg, err := Load(cfgPath)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "from-file", cfg.Auth.SigningSecret)
	assert.Equal(t, 2, cfg.Session.ExpiryHours)
	assert.Equal(t, 4, cfg.Session.HistoryCap)

	// Untouched fields keep defaults
	assert.Equal(t, 540, cfg.Runner.StandardTimeout)
}

func TestLoader_EnvSecretOverride(t *testing.T) {
	t.Setenv("ARKON_SIGNING_SECRET", "from-env")

	cfgPath := filepath.Join(t.TempDir(), "missing.json")
	cfg, err := Load(cfgPath)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Auth.SigningSecret)
}
