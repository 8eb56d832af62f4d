// Package config loads container settings from defaults, an optional YAML
// file, a .env file and MODI_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. MODI_LOGGING_LEVEL.
const EnvPrefix = "MODI"

type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Events    EventsConfig    `mapstructure:"events"`
	HotReload HotReloadConfig `mapstructure:"hot_reload"`
	Resolver  ResolverConfig  `mapstructure:"resolver"`
	Analyzer  AnalyzerConfig  `mapstructure:"analyzer"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error dpanic panic fatal"`
	Format string `mapstructure:"format" validate:"required,oneof=json console"`
}

type LifecycleConfig struct {
	// HookTimeout bounds every individual lifecycle hook. Zero disables it.
	HookTimeout     time.Duration `mapstructure:"hook_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type EventsConfig struct {
	HistorySize int `mapstructure:"history_size" validate:"gte=0"`
}

type HotReloadConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Debounce time.Duration `mapstructure:"debounce" validate:"gte=0"`
}

type ResolverConfig struct {
	MaxDepth int `mapstructure:"max_depth" validate:"gt=0"`
}

type AnalyzerConfig struct {
	MaxDepth     int `mapstructure:"max_depth" validate:"gt=0"`
	MaxProviders int `mapstructure:"max_providers" validate:"gt=0"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace" validate:"required_if=Enabled true"`
}

var validate = validator.New()

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Lifecycle: LifecycleConfig{
			HookTimeout:     10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Events: EventsConfig{
			HistorySize: 100,
		},
		HotReload: HotReloadConfig{
			Debounce: 100 * time.Millisecond,
		},
		Resolver: ResolverConfig{
			MaxDepth: 100,
		},
		Analyzer: AnalyzerConfig{
			MaxDepth:     5,
			MaxProviders: 20,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "modi",
		},
	}
}

// Load reads the configuration. path names a YAML file; when empty the file
// "modi.yaml" is searched for in the working directory and ./config, and a
// missing file is not an error. envFiles are loaded into the process
// environment first without overriding variables that are already set.
func Load(path string, envFiles ...string) (*Config, error) {
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, fmt.Errorf("error loading env files: %w", err)
		}
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("modi")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, Default())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("lifecycle.hook_timeout", d.Lifecycle.HookTimeout)
	v.SetDefault("lifecycle.shutdown_timeout", d.Lifecycle.ShutdownTimeout)

	v.SetDefault("events.history_size", d.Events.HistorySize)

	v.SetDefault("hot_reload.enabled", d.HotReload.Enabled)
	v.SetDefault("hot_reload.debounce", d.HotReload.Debounce)

	v.SetDefault("resolver.max_depth", d.Resolver.MaxDepth)

	v.SetDefault("analyzer.max_depth", d.Analyzer.MaxDepth)
	v.SetDefault("analyzer.max_providers", d.Analyzer.MaxProviders)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)
}

// Validate checks the configuration against its field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
