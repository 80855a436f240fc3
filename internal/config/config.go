package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main Arkon configuration
type Config struct {
	// Server
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Database
	Database DatabaseConfig `json:"database" mapstructure:"database"`

	// Auth
	Auth AuthConfig `json:"auth" mapstructure:"auth"`

	// Session
	Session SessionConfig `json:"session" mapstructure:"session"`

	// Router
	Router RouterConfig `json:"router" mapstructure:"router"`

	// Runner
	Runner RunnerConfig `json:"runner" mapstructure:"runner"`

	// Limits
	Limits LimitsConfig `json:"limits" mapstructure:"limits"`

	// Transcription
	Transcription TranscriptionConfig `json:"transcription" mapstructure:"transcription"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
}

// DatabaseConfig holds sqlite configuration
type DatabaseConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// AuthConfig holds token signing configuration
type AuthConfig struct {
	SigningSecret    string `json:"signing_secret" mapstructure:"signing_secret"`
	TokenLifetimeMin int    `json:"token_lifetime_min" mapstructure:"token_lifetime_min"`
}

// SessionConfig holds conversation session configuration
type SessionConfig struct {
	ExpiryHours int `json:"expiry_hours" mapstructure:"expiry_hours"`
	HistoryCap  int `json:"history_cap" mapstructure:"history_cap"`
}

// RouterConfig holds agent router configuration
type RouterConfig struct {
	Threshold     float64 `json:"threshold" mapstructure:"threshold"`
	OverridesPath string  `json:"overrides_path" mapstructure:"overrides_path"`
	WatchOverride bool    `json:"watch_overrides" mapstructure:"watch_overrides"`
}

// RunnerConfig holds subprocess orchestrator configuration
type RunnerConfig struct {
	ToolCommand        []string `json:"tool_command" mapstructure:"tool_command"`
	WorkingDir         string   `json:"working_dir" mapstructure:"working_dir"`
	StandardTimeout    int      `json:"standard_timeout_sec" mapstructure:"standard_timeout_sec"`
	ComplexTimeout     int      `json:"complex_timeout_sec" mapstructure:"complex_timeout_sec"`
	InteractiveTimeout int      `json:"interactive_timeout_sec" mapstructure:"interactive_timeout_sec"`
	MaxConcurrent      int      `json:"max_concurrent" mapstructure:"max_concurrent"`
}

// LimitsConfig holds attachment size limits
type LimitsConfig struct {
	AudioMaxBytes    int64 `json:"audio_max_bytes" mapstructure:"audio_max_bytes"`
	DocumentMaxBytes int64 `json:"document_max_bytes" mapstructure:"document_max_bytes"`
}

// TranscriptionConfig holds audio transcription configuration
type TranscriptionConfig struct {
	WhisperEnabled bool   `json:"whisper_enabled" mapstructure:"whisper_enabled"`
	WhisperBinary  string `json:"whisper_binary" mapstructure:"whisper_binary"`
	WhisperModel   string `json:"whisper_model" mapstructure:"whisper_model"`
	Language       string `json:"language" mapstructure:"language"`
	OpenAIAPIKey   string `json:"openai_api_key" mapstructure:"openai_api_key"`
	OpenAIModel    string `json:"openai_model" mapstructure:"openai_model"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Path: "",
		},
		Auth: AuthConfig{
			SigningSecret:    "",
			TokenLifetimeMin: 30,
		},
		Session: SessionConfig{
			ExpiryHours: 5,
			HistoryCap:  10,
		},
		Router: RouterConfig{
			Threshold:     0.2,
			OverridesPath: "",
			WatchOverride: false,
		},
		Runner: RunnerConfig{
			ToolCommand:        []string{"arkon-engine"},
			WorkingDir:         "",
			StandardTimeout:    540,
			ComplexTimeout:     3600,
			InteractiveTimeout: 300,
			MaxConcurrent:      4,
		},
		Limits: LimitsConfig{
			AudioMaxBytes:    25 * 1024 * 1024,
			DocumentMaxBytes: 50 * 1024 * 1024,
		},
		Transcription: TranscriptionConfig{
			WhisperEnabled: false,
			WhisperBinary:  "whisper",
			WhisperModel:   "base",
			Language:       "en",
			OpenAIModel:    "whisper-1",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
		DataDir: "",
	}
}

// TokenLifetime returns the signed token lifetime as a duration.
func (c *Config) TokenLifetime() time.Duration {
	return time.Duration(c.Auth.TokenLifetimeMin) * time.Minute
}

// SessionExpiry returns the hard session expiry as a duration.
func (c *Config) SessionExpiry() time.Duration {
	return time.Duration(c.Session.ExpiryHours) * time.Hour
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Auth.SigningSecret == "" {
		return fmt.Errorf("auth signing secret is required")
	}
	if c.Auth.TokenLifetimeMin <= 0 {
		return fmt.Errorf("token lifetime must be positive")
	}

	if c.Session.ExpiryHours <= 0 {
		return fmt.Errorf("session expiry must be positive")
	}
	if c.Session.HistoryCap <= 0 {
		return fmt.Errorf("session history cap must be positive")
	}

	if c.Router.Threshold <= 0 || c.Router.Threshold >= 1 {
		return fmt.Errorf("router threshold must be in (0, 1): %v", c.Router.Threshold)
	}

	if len(c.Runner.ToolCommand) == 0 {
		return fmt.Errorf("runner tool command is required")
	}
	if c.Runner.StandardTimeout <= 0 || c.Runner.ComplexTimeout <= 0 || c.Runner.InteractiveTimeout <= 0 {
		return fmt.Errorf("runner timeouts must be positive")
	}
	if c.Runner.MaxConcurrent <= 0 {
		return fmt.Errorf("runner max concurrent must be positive")
	}

	if c.Limits.AudioMaxBytes <= 0 || c.Limits.DocumentMaxBytes <= 0 {
		return fmt.Errorf("attachment size limits must be positive")
	}

	if c.Transcription.WhisperEnabled && c.Transcription.WhisperBinary == "" {
		return fmt.Errorf("whisper binary path is required when local whisper is enabled")
	}

	return nil
}
