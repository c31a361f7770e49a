package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server   ServerConfig        `yaml:"server"`
	Database DatabaseConfig      `yaml:"database"`
	Remote   RemoteConfig        `yaml:"remote"`
	Auth     AuthConfig          `yaml:"auth"`
	Sync     SyncConfig          `yaml:"sync"`
	Network  NetworkConfig       `yaml:"network"`
	Backup   BackupConfig        `yaml:"backup"`
	Device   DeviceConfig        `yaml:"device"`
	Log      LogConfig           `yaml:"log"`
	Storage  BackupStorageConfig `yaml:"storage"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RemoteConfig contains remote system-of-record settings.
type RemoteConfig struct {
	BaseURL        string   `yaml:"base_url"`
	APIKey         string   `yaml:"-"` // env-only, never in YAML
	RequestTimeout Duration `yaml:"request_timeout"`
}

// AuthConfig contains local API authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// SyncConfig contains sync engine settings.
type SyncConfig struct {
	Interval     Duration `yaml:"interval"`
	BatchSize    int      `yaml:"batch_size"`
	MaxRetries   int      `yaml:"max_retries"`
	ErrorHistory int      `yaml:"error_history"`
}

// NetworkConfig contains connectivity monitoring settings.
type NetworkConfig struct {
	ProbeInterval Duration `yaml:"probe_interval"`
	ProbeTimeout  Duration `yaml:"probe_timeout"`
}

// BackupConfig contains periodic backup settings.
type BackupConfig struct {
	Interval Duration `yaml:"interval"`
}

// DeviceConfig identifies this installation.
type DeviceConfig struct {
	ID       string `yaml:"id"`
	App      string `yaml:"app"`
	Platform string `yaml:"platform"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// BackupStorageConfig contains S3-compatible backup storage settings.
// An empty bucket disables uploads.
type BackupStorageConfig struct {
	Endpoint  string   `yaml:"endpoint"`
	Bucket    string   `yaml:"bucket"`
	Region    string   `yaml:"region"`
	AccessKey string   `yaml:"-"` // env-only, never in YAML
	SecretKey string   `yaml:"-"` // env-only, never in YAML
	UseSSL    *bool    `yaml:"use_ssl"`
	URLExpiry Duration `yaml:"url_expiry"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("DUTYSYNC_CONFIG_PATH", "config/dutysync.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/dutysync.db",
		},
		Remote: RemoteConfig{
			RequestTimeout: Duration(30 * time.Second),
		},
		Sync: SyncConfig{
			Interval:     Duration(5 * time.Minute),
			BatchSize:    50,
			MaxRetries:   3,
			ErrorHistory: 50,
		},
		Network: NetworkConfig{
			ProbeInterval: Duration(30 * time.Second),
			ProbeTimeout:  Duration(5 * time.Second),
		},
		Backup: BackupConfig{
			Interval: Duration(1 * time.Hour),
		},
		Device: DeviceConfig{
			App:      "dutysync",
			Platform: "server",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: BackupStorageConfig{
			URLExpiry: Duration(1 * time.Hour),
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("DUTYSYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DUTYSYNC_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = Duration(d)
		}
	}
	if v := os.Getenv("DUTYSYNC_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = Duration(d)
		}
	}
	if v := os.Getenv("DUTYSYNC_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}

	// Database
	if v := os.Getenv("DUTYSYNC_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Remote
	if v := os.Getenv("DUTYSYNC_REMOTE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv("DUTYSYNC_REMOTE_API_KEY"); v != "" {
		cfg.Remote.APIKey = v
	}
	if v := os.Getenv("DUTYSYNC_REMOTE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Remote.RequestTimeout = Duration(d)
		}
	}

	// Auth
	if v := os.Getenv("DUTYSYNC_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Sync
	if v := os.Getenv("DUTYSYNC_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.Interval = Duration(d)
		}
	}
	if v := os.Getenv("DUTYSYNC_SYNC_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.BatchSize = n
		}
	}
	if v := os.Getenv("DUTYSYNC_SYNC_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.MaxRetries = n
		}
	}
	if v := os.Getenv("DUTYSYNC_SYNC_ERROR_HISTORY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.ErrorHistory = n
		}
	}

	// Network
	if v := os.Getenv("DUTYSYNC_PROBE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Network.ProbeInterval = Duration(d)
		}
	}
	if v := os.Getenv("DUTYSYNC_PROBE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Network.ProbeTimeout = Duration(d)
		}
	}

	// Backup
	if v := os.Getenv("DUTYSYNC_BACKUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Backup.Interval = Duration(d)
		}
	}

	// Device
	if v := os.Getenv("DUTYSYNC_DEVICE_ID"); v != "" {
		cfg.Device.ID = v
	}

	// Log
	if v := os.Getenv("DUTYSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("DUTYSYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	// Backup storage
	if v := os.Getenv("DUTYSYNC_S3_ENDPOINT"); v != "" {
		cfg.Storage.Endpoint = v
	}
	if v := os.Getenv("DUTYSYNC_S3_BUCKET"); v != "" {
		cfg.Storage.Bucket = v
	}
	if v := os.Getenv("DUTYSYNC_S3_REGION"); v != "" {
		cfg.Storage.Region = v
	}
	if v := os.Getenv("DUTYSYNC_S3_ACCESS_KEY"); v != "" {
		cfg.Storage.AccessKey = v
	}
	if v := os.Getenv("DUTYSYNC_S3_SECRET_KEY"); v != "" {
		cfg.Storage.SecretKey = v
	}
}

// validate checks that required configuration values are set.
// In dev mode (DUTYSYNC_DEV_MODE=true), credential validation is skipped.
func (c *Config) validate() error {
	if os.Getenv("DUTYSYNC_DEV_MODE") == "true" {
		return nil
	}

	if c.Remote.BaseURL == "" {
		return errors.New("DUTYSYNC_REMOTE_URL is required")
	}
	if c.Remote.APIKey == "" {
		return errors.New("DUTYSYNC_REMOTE_API_KEY is required")
	}
	if c.Auth.APIKey == "" {
		return errors.New("DUTYSYNC_API_KEY is required")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
