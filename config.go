package desklink

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk client configuration, loaded from YAML.
type Config struct {
	BaseURL   string `yaml:"base_url"`
	Token     string `yaml:"token"`
	UserID    string `yaml:"user_id"`
	StorePath string `yaml:"store_path"`

	Logging  LoggingConfig  `yaml:"logging"`
	Realtime RealtimeConfig `yaml:"realtime"`

	WebhookSecret string `yaml:"webhook_secret"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// RealtimeConfig tunes the connection manager.
type RealtimeConfig struct {
	BaseDelayMS   int `yaml:"base_delay_ms"`
	MaxDelayMS    int `yaml:"max_delay_ms"`
	MaxAttempts   int `yaml:"max_attempts"`
	HeartbeatSecs int `yaml:"heartbeat_secs"`
}

// LoadConfig reads and parses a YAML config file. Missing fields keep their
// zero values so defaults apply downstream.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	return &cfg, nil
}

// ConnConfig converts the realtime tuning section into a ConnConfig.
func (c *Config) ConnConfig() ConnConfig {
	return ConnConfig{
		Token:             c.Token,
		BaseDelay:         time.Duration(c.Realtime.BaseDelayMS) * time.Millisecond,
		MaxDelay:          time.Duration(c.Realtime.MaxDelayMS) * time.Millisecond,
		MaxAttempts:       c.Realtime.MaxAttempts,
		HeartbeatInterval: time.Duration(c.Realtime.HeartbeatSecs) * time.Second,
	}
}

// NewLogger builds a structured logger at the given level. An empty or
// unknown level means info.
func NewLogger(level string) (*zap.Logger, error) {
	lv := zapcore.InfoLevel
	switch level {
	case "debug":
		lv = zapcore.DebugLevel
	case "warn", "warning":
		lv = zapcore.WarnLevel
	case "error":
		lv = zapcore.ErrorLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lv)
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}
