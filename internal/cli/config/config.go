package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/conduit-lang/relkit/internal/orm/query"
	"github.com/conduit-lang/relkit/internal/orm/relationships"
	"github.com/conduit-lang/relkit/internal/orm/transaction"
)

// FileNames are the config files searched for, in order
var FileNames = []string{"relkit.yaml", "relkit.yml"}

// Config represents the relkit configuration
type Config struct {
	// Manifest is the path of the entity manifest, relative to the config file
	Manifest string         `mapstructure:"manifest"`
	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Session  SessionConfig  `mapstructure:"session"`
	Log      LogConfig      `mapstructure:"log"`
	Tracing  TracingConfig  `mapstructure:"tracing"`

	// path of the file the config was read from, empty for defaults
	file string
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Driver     string        `mapstructure:"driver"`
	URL        string        `mapstructure:"url"`
	Isolation  string        `mapstructure:"isolation"`
	MaxRetries int           `mapstructure:"max_retries"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// CacheConfig represents the Redis fetch cache configuration
type CacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
	Prefix   string        `mapstructure:"prefix"`
}

// SessionConfig bounds relationship loading. HookWorkers sizes the pool
// running deferred after-write hooks.
type SessionConfig struct {
	MaxDepth    int `mapstructure:"max_depth"`
	BatchSize   int `mapstructure:"batch_size"`
	HookWorkers int `mapstructure:"hook_workers"`
}

// LogConfig represents logger configuration. Debug lists extra
// categories: "query" logs every statement, "query-params" adds bound
// parameter values.
type LogConfig struct {
	Level       string   `mapstructure:"level"`
	Format      string   `mapstructure:"format"`
	Development bool     `mapstructure:"development"`
	Debug       []string `mapstructure:"debug"`
}

// Has reports whether a debug category is enabled
func (l LogConfig) Has(category string) bool {
	for _, d := range l.Debug {
		if d == category {
			return true
		}
	}
	return false
}

// TracingConfig toggles the OpenTelemetry data source decorator
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

var debugCategories = map[string]bool{"query": true, "query-params": true}

func setDefaults(v *viper.Viper) {
	v.SetDefault("manifest", "entities.yaml")
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.url", "")
	v.SetDefault("database.isolation", "read_committed")
	v.SetDefault("database.max_retries", transaction.DefaultMaxRetries)
	v.SetDefault("database.timeout", 0)
	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.addr", "localhost:6379")
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.ttl", 5*time.Minute)
	v.SetDefault("cache.prefix", "relkit:")
	v.SetDefault("session.max_depth", relationships.DefaultMaxDepth)
	v.SetDefault("session.batch_size", relationships.DefaultBatchSize)
	v.SetDefault("session.hook_workers", 4)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.development", false)
	v.SetDefault("log.debug", []string{})
	v.SetDefault("tracing.enabled", false)
}

// Load reads the config file at path, or the first of FileNames found in
// the working directory or its parents when path is empty. Missing files
// fall back to defaults. RELKIT_* environment variables override file
// values, e.g. RELKIT_DATABASE_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RELKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		if found, err := FindConfig(); err == nil {
			path = found
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	config.file = path

	if err := validateConfig(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// File returns the path the config was read from, empty for defaults
func (c *Config) File() string {
	return c.file
}

// ManifestPath resolves the manifest path against the config file directory
func (c *Config) ManifestPath() string {
	if c.Manifest == "" || filepath.IsAbs(c.Manifest) || c.file == "" {
		return c.Manifest
	}
	return filepath.Join(filepath.Dir(c.file), c.Manifest)
}

// DatabaseURL returns the configured URL, falling back to DATABASE_URL
func (c *Config) DatabaseURL() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}
	return os.Getenv("DATABASE_URL")
}

// FindConfig looks for a config file in the working directory and its parents
func FindConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		for _, name := range FileNames {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("no relkit.yaml found")
		}
		dir = parent
	}
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if _, err := query.DialectFor(cfg.Database.Driver); err != nil {
		return fmt.Errorf("database.driver: %w", err)
	}
	if _, err := transaction.ParseIsolationLevel(cfg.Database.Isolation); err != nil {
		return fmt.Errorf("database.isolation: %w", err)
	}
	if cfg.Database.MaxRetries < 1 {
		return fmt.Errorf("database.max_retries must be at least 1, got: %d", cfg.Database.MaxRetries)
	}
	if cfg.Session.MaxDepth < 1 {
		return fmt.Errorf("session.max_depth must be at least 1, got: %d", cfg.Session.MaxDepth)
	}
	if cfg.Session.BatchSize < 1 {
		return fmt.Errorf("session.batch_size must be at least 1, got: %d", cfg.Session.BatchSize)
	}
	if _, err := zapcore.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if cfg.Log.Format != "console" && cfg.Log.Format != "json" {
		return fmt.Errorf("log.format must be console or json, got: %s", cfg.Log.Format)
	}
	for _, d := range cfg.Log.Debug {
		if !debugCategories[d] {
			return fmt.Errorf("log.debug: unknown category %q", d)
		}
	}
	return nil
}
