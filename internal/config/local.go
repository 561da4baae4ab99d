package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend drivers.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Cache drivers.
const (
	CacheSQLite = "sqlite"
	CacheFile   = "file"
)

// LocalConfig holds configuration for the party daemon
type LocalConfig struct {
	Daemon  DaemonConfig  `yaml:"daemon"`
	Backend BackendConfig `yaml:"backend"`
	Cache   CacheConfig   `yaml:"cache"`
	Notify  NotifyConfig  `yaml:"notify"`
	Opener  OpenerConfig  `yaml:"opener"`
}

// DaemonConfig holds daemon server settings
type DaemonConfig struct {
	Port     int    `yaml:"port"`
	Bind     string `yaml:"bind"`
	LogLevel string `yaml:"log_level"`

	// CommandRate caps commands per second across all clients; 0 disables
	CommandRate int `yaml:"command_rate"`
}

// BackendConfig selects and tunes the remote party store
type BackendConfig struct {
	Driver   string         `yaml:"driver"`
	Postgres PostgresConfig `yaml:"postgres"`
	Startup  StartupConfig  `yaml:"startup"`
	Breaker  BreakerConfig  `yaml:"breaker"`
}

// PostgresConfig holds the PostgreSQL connection
type PostgresConfig struct {
	URL     string `yaml:"-"` // Loaded from secrets.yaml
	Migrate bool   `yaml:"migrate"`
}

// StartupConfig bounds the wait for the backend when the daemon starts
type StartupConfig struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
}

// BreakerConfig tunes the circuit breaker around live backend calls
type BreakerConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	Interval time.Duration `yaml:"interval"`

	// MaxConcurrent caps in-flight backend calls
	MaxConcurrent int `yaml:"max_concurrent"`
}

// CacheConfig selects the local mirror store
type CacheConfig struct {
	Driver string `yaml:"driver"`
}

// NotifyConfig holds optional notification sinks
type NotifyConfig struct {
	AMQP AMQPConfig `yaml:"amqp"`
}

// AMQPConfig holds the state-event exchange settings
type AMQPConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"-"` // Loaded from secrets.yaml
	Exchange string `yaml:"exchange"`
}

// OpenerConfig overrides the command used to open shared links
type OpenerConfig struct {
	Command string `yaml:"command"`
}

// SecretsConfig holds connection strings loaded from secrets.yaml
type SecretsConfig struct {
	PostgresURL string `yaml:"postgres_url,omitempty"`
	AMQPURL     string `yaml:"amqp_url,omitempty"`
}

// PartyDir returns the path to ~/.linkparty
func PartyDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".linkparty"), nil
}

// EnsurePartyDir creates ~/.linkparty and subdirectories if they don't exist
func EnsurePartyDir() (string, error) {
	dir, err := PartyDir()
	if err != nil {
		return "", err
	}

	subdirs := []string{
		"",
		"logs",
		"cache",
		"state",
	}

	for _, subdir := range subdirs {
		path := filepath.Join(dir, subdir)
		if err := os.MkdirAll(path, 0755); err != nil {
			return "", fmt.Errorf("create dir %s: %w", path, err)
		}
	}

	return dir, nil
}

// DefaultLocalConfig returns sensible defaults for local mode
func DefaultLocalConfig() *LocalConfig {
	return &LocalConfig{
		Daemon: DaemonConfig{
			Port:        7433,
			Bind:        "127.0.0.1",
			LogLevel:    "info",
			CommandRate: 20,
		},
		Backend: BackendConfig{
			Driver: BackendMemory,
			Postgres: PostgresConfig{
				Migrate: true,
			},
			Startup: StartupConfig{
				Attempts: 10,
				Delay:    300 * time.Millisecond,
			},
			Breaker: BreakerConfig{
				Timeout:       30 * time.Second,
				Interval:      time.Minute,
				MaxConcurrent: 8,
			},
		},
		Cache: CacheConfig{
			Driver: CacheSQLite,
		},
		Notify: NotifyConfig{
			AMQP: AMQPConfig{
				Enabled:  false,
				Exchange: "linkparty.state",
			},
		},
	}
}

// Validate checks driver names and required connection settings.
func (c *LocalConfig) Validate() error {
	var errs []error

	if c.Daemon.Port <= 0 || c.Daemon.Port > 65535 {
		errs = append(errs, fmt.Errorf("daemon.port %d out of range", c.Daemon.Port))
	}

	switch c.Backend.Driver {
	case BackendMemory:
	case BackendPostgres:
		if c.Backend.Postgres.URL == "" {
			errs = append(errs, errors.New("backend.driver postgres requires postgres_url in secrets.yaml"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend.driver %q", c.Backend.Driver))
	}

	if c.Daemon.CommandRate < 0 {
		errs = append(errs, errors.New("daemon.command_rate must not be negative"))
	}

	if c.Backend.Startup.Attempts < 1 {
		errs = append(errs, errors.New("backend.startup.attempts must be at least 1"))
	}

	switch c.Cache.Driver {
	case CacheSQLite, CacheFile:
	default:
		errs = append(errs, fmt.Errorf("unknown cache.driver %q", c.Cache.Driver))
	}

	if c.Notify.AMQP.Enabled && c.Notify.AMQP.URL == "" {
		errs = append(errs, errors.New("notify.amqp requires amqp_url in secrets.yaml"))
	}

	return errors.Join(errs...)
}

// LoadLocalConfig loads configuration from ~/.linkparty/config.yaml
func LoadLocalConfig() (*LocalConfig, error) {
	dir, err := PartyDir()
	if err != nil {
		return nil, err
	}
	return LoadLocalConfigFrom(dir)
}

// LoadLocalConfigFrom loads config.yaml and secrets.yaml from dir over the
// defaults, then applies environment overrides.
func LoadLocalConfigFrom(dir string) (*LocalConfig, error) {
	cfg := DefaultLocalConfig()

	configPath := filepath.Join(dir, "config.yaml")
	data, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// defaults
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := loadSecrets(dir, cfg); err != nil {
		return nil, fmt.Errorf("load secrets: %w", err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// loadSecrets loads connection strings from secrets.yaml
func loadSecrets(dir string, cfg *LocalConfig) error {
	secretsPath := filepath.Join(dir, "secrets.yaml")

	// If secrets file doesn't exist, skip
	if _, err := os.Stat(secretsPath); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(secretsPath)
	if err != nil {
		return fmt.Errorf("read secrets: %w", err)
	}

	var secrets SecretsConfig
	if err := yaml.Unmarshal(data, &secrets); err != nil {
		return fmt.Errorf("parse secrets: %w", err)
	}

	cfg.Backend.Postgres.URL = secrets.PostgresURL
	cfg.Notify.AMQP.URL = secrets.AMQPURL
	return nil
}

// SaveLocalConfig saves configuration to ~/.linkparty/config.yaml
func SaveLocalConfig(cfg *LocalConfig) error {
	dir, err := EnsurePartyDir()
	if err != nil {
		return err
	}

	configPath := filepath.Join(dir, "config.yaml")

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// SaveSecrets saves connection strings to ~/.linkparty/secrets.yaml
func SaveSecrets(secrets SecretsConfig) error {
	dir, err := EnsurePartyDir()
	if err != nil {
		return err
	}

	secretsPath := filepath.Join(dir, "secrets.yaml")

	data, err := yaml.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("marshal secrets: %w", err)
	}

	// Write with restricted permissions (owner read/write only)
	if err := os.WriteFile(secretsPath, data, 0600); err != nil {
		return fmt.Errorf("write secrets: %w", err)
	}

	return nil
}
