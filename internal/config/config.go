// Package config loads the maintenance CLI's configuration. Sources are
// merged in priority order: defaults, then an optional YAML file, then
// environment variables with the MLSSTORE_ prefix (MLSSTORE_STORE_DSN maps
// to store.dsn). The library packages never read config or environment on
// their own; everything flows in through this struct.
package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the environment variable prefix.
const EnvPrefix = "MLSSTORE_"

// Config is the full CLI configuration.
type Config struct {
	Store     StoreConfig     `koanf:"store"`
	Retention RetentionConfig `koanf:"retention"`
	Sealing   SealingConfig   `koanf:"sealing"`
	Log       LogConfig       `koanf:"log"`
	Trace     TraceConfig     `koanf:"trace"`
}

// StoreConfig selects the backend: a SQL DSN (sqlite: or postgres://) or a
// Badger directory. Exactly one must be set.
type StoreConfig struct {
	DSN string `koanf:"dsn"`
	Dir string `koanf:"dir"`
}

// RetentionConfig holds the default prune depth for the CLI.
type RetentionConfig struct {
	Keep int `koanf:"keep"`
}

// SealingConfig enables the at-rest encryption wrapper.
type SealingConfig struct {
	Enabled bool   `koanf:"enabled"`
	KeyFile string `koanf:"keyfile"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level string `koanf:"level"`
}

// TraceConfig controls trace exporting.
type TraceConfig struct {
	Stdout bool `koanf:"stdout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Retention: RetentionConfig{Keep: 64},
		Log:       LogConfig{Level: "info"},
	}
}

// Load merges defaults, the YAML file at path (skipped when path is empty)
// and MLSSTORE_ environment variables, then validates the result.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// MLSSTORE_STORE_DSN -> store.dsn
	transform := func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "_", ".")
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", transform), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch {
	case c.Store.DSN == "" && c.Store.Dir == "":
		return fmt.Errorf("config: one of store.dsn or store.dir is required")
	case c.Store.DSN != "" && c.Store.Dir != "":
		return fmt.Errorf("config: store.dsn and store.dir are mutually exclusive")
	}
	if c.Retention.Keep < 0 {
		return fmt.Errorf("config: retention.keep must not be negative, got %d", c.Retention.Keep)
	}
	if c.Sealing.Enabled && c.Sealing.KeyFile == "" {
		return fmt.Errorf("config: sealing.keyfile is required when sealing is enabled")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
	return nil
}
