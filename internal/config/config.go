// Package config loads hookcron settings from defaults, an optional YAML file
// and the environment, and validates the result.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. HOOKCRON_LOGGER_LEVEL.
const EnvPrefix = "HOOKCRON"

// Config is the full application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logger  LoggerConfig  `mapstructure:"logger"`
	Invoker InvokerConfig `mapstructure:"invoker"`
	History HistoryConfig `mapstructure:"history"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"             validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"     validate:"min=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"    validate:"min=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=1s"`
}

// Addr returns the listen address for the configured port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// InvokerConfig holds outbound call settings.
type InvokerConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"    validate:"min=0"`
	RateLimit float64       `mapstructure:"rate_limit" validate:"min=0"`
	Burst     int           `mapstructure:"burst"      validate:"min=1"`
}

// HistoryConfig holds invocation history settings.
type HistoryConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	DBPath        string        `mapstructure:"db_path"        validate:"required_if=Enabled true"`
	Retention     time.Duration `mapstructure:"retention"      validate:"min=0"`
	PruneSchedule string        `mapstructure:"prune_schedule" validate:"required_if=Enabled true"`
}

var defaults = map[string]any{
	"server.port":             3000,
	"server.read_timeout":     10 * time.Second,
	"server.write_timeout":    10 * time.Second,
	"server.shutdown_timeout": 10 * time.Second,

	"logger.level": "info",
	"logger.json":  false,

	"invoker.timeout":    30 * time.Second,
	"invoker.rate_limit": 0.0,
	"invoker.burst":      10,

	"history.enabled":        true,
	"history.db_path":        "history.db",
	"history.retention":      7 * 24 * time.Hour,
	"history.prune_schedule": "0 0 * * * *",
}

// LoadConfig reads configuration in order of precedence:
//  1. environment variables (HOOKCRON_* and PORT)
//  2. the YAML file at path, if it exists
//  3. built-in defaults
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// The bare PORT variable is the conventional way to set the listener.
	if err := v.BindEnv("server.port", EnvPrefix+"_SERVER_PORT", "PORT"); err != nil {
		return nil, fmt.Errorf("failed to bind port environment: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration against its struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
