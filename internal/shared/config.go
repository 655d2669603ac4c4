package shared

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

//go:embed config.example.toml
var exampleConf []byte

// Config represents the application configuration loaded from a TOML file.
type Config struct {
	Database  DatabaseConfig  `toml:"database"`
	Server    ServerConfig    `toml:"server"`
	Catalog   CatalogConfig   `toml:"catalog"`
	Composer  ComposerConfig  `toml:"composer"`
	Planner   PlannerConfig   `toml:"planner"`
	Executor  ExecutorConfig  `toml:"executor"`
	Gate      GateConfig      `toml:"gate"`
	Objects   ObjectsConfig   `toml:"objects"`
	Converter ConverterConfig `toml:"converter"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Path         string `toml:"path"`
	MaxOpenConns int    `toml:"max_open_conns"`
	MaxIdleConns int    `toml:"max_idle_conns"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// CatalogConfig selects the service catalog backend.
//
// A non-empty URL takes precedence over Path.
type CatalogConfig struct {
	Path      string        `toml:"path"`
	URL       string        `toml:"url"`
	CacheSize int           `toml:"cache_size"`
	CacheTTL  time.Duration `toml:"cache_ttl"`
}

// ComposerConfig bounds chain search.
type ComposerConfig struct {
	MaxHops int `toml:"max_hops"`
}

// PlannerConfig contains plan building settings.
type PlannerConfig struct {
	AutoReady bool `toml:"auto_ready"`
}

// ExecutorConfig contains plan executor settings.
type ExecutorConfig struct {
	Workers      int           `toml:"workers"`
	Rate         float64       `toml:"rate"`
	Burst        int           `toml:"burst"`
	PollInterval time.Duration `toml:"poll_interval"`
}

// GateConfig contains async task gate settings.
type GateConfig struct {
	Retention    time.Duration `toml:"retention"`
	ReapInterval time.Duration `toml:"reap_interval"`
	CacheDir     string        `toml:"cache_dir"`
}

// ObjectsConfig locates the directory object store.
type ObjectsConfig struct {
	Root string `toml:"root"`
}

// ConverterConfig contains REST conversion service client settings.
//
// Client credentials are only used when TokenURL is set.
type ConverterConfig struct {
	Timeout      time.Duration `toml:"timeout"`
	Rate         float64       `toml:"rate"`
	TokenURL     string        `toml:"token_url"`
	ClientID     string        `toml:"client_id"`
	ClientSecret string        `toml:"client_secret"`
}

// Validate checks the settings that would otherwise fail at runtime.
func (c *Config) Validate() error {
	switch {
	case c.Database.Path == "":
		return fmt.Errorf("%w: database.path is required", ErrInvalidConfig)
	case c.Composer.MaxHops < 1:
		return fmt.Errorf("%w: composer.max_hops must be positive", ErrInvalidConfig)
	case c.Executor.Workers < 0:
		return fmt.Errorf("%w: executor.workers must not be negative", ErrInvalidConfig)
	case c.Gate.Retention <= 0:
		return fmt.Errorf("%w: gate.retention must be positive", ErrInvalidConfig)
	case c.Gate.ReapInterval <= 0:
		return fmt.Errorf("%w: gate.reap_interval must be positive", ErrInvalidConfig)
	case c.Gate.CacheDir == "":
		return fmt.Errorf("%w: gate.cache_dir is required", ErrInvalidConfig)
	}
	return nil
}

// LoadConfig reads and parses a TOML configuration file from the specified path.
//
// Keys missing from the file keep the values of [DefaultConfig].
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMissingConfig, err)
	}

	config := DefaultConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// DefaultConfig returns a Config with sensible defaults loaded from the embedded example config.
func DefaultConfig() *Config {
	var config Config
	if err := toml.Unmarshal(exampleConf, &config); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	return &config
}

// CreateConfigFile creates a config.toml file at the specified path using the embedded example config.
func CreateConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := os.WriteFile(path, exampleConf, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
