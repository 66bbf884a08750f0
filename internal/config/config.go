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
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Resource   ResourceConfig   `yaml:"resource"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Sync       SyncConfig       `yaml:"sync"`
	Worker     WorkerConfig     `yaml:"worker"`
	Retry      RetryConfig      `yaml:"retry"`
	BlobStore  BlobStoreConfig  `yaml:"blobstore"`
	Crypto     CryptoConfig     `yaml:"crypto"`
	Log        LogConfig        `yaml:"log"`
	Device     DeviceConfig     `yaml:"device"`
}

// SyncConfig selects the SyncEngine's topology and conflict strategy
// (spec.md §4.7).
type SyncConfig struct {
	Mode       string `yaml:"mode"`     // "host_to_many" | "global"
	Writable   bool   `yaml:"writable"` // false for a HostToMany peer
	Strategy   string `yaml:"strategy"` // "preferNewest" | "preferLocal" | "preferRemote" | "manual"
	FolderName string `yaml:"folder_name"`
}

// ServerConfig contains the status HTTP server settings.
type ServerConfig struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains the local SQLite state settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ResourceConfig holds ResourceMonitor thresholds.
type ResourceConfig struct {
	BatteryConstrainedPercent int      `yaml:"battery_constrained_percent"`
	BatteryCriticalPercent    int      `yaml:"battery_critical_percent"`
	MemoryConstrainedPercent  int      `yaml:"memory_constrained_percent"`
	MemoryCriticalPercent     int      `yaml:"memory_critical_percent"`
	IdleMinutesRequired       int      `yaml:"idle_minutes_required"`
	DegradedNetworkTypes      []string `yaml:"degraded_network_types"`
}

// ScheduleConfig seeds the default Schedule record on first run.
type ScheduleConfig struct {
	Frequency    string `yaml:"frequency"` // "hourly" | "daily" | "weekly" | "monthly"
	Hour         int    `yaml:"hour"`
	Minute       int    `yaml:"minute"`
	DayOfWeek    int    `yaml:"day_of_week"`  // 0=Sunday, for weekly
	DayOfMonth   int    `yaml:"day_of_month"` // for monthly
	Timezone     string `yaml:"timezone"`
	RetainCount  int    `yaml:"retain_count"` // -1 = unlimited
}

// WorkerConfig contains the background scan-loop cadences.
type WorkerConfig struct {
	MainScanInterval    Duration `yaml:"main_scan_interval"`
	RetryScanInterval   Duration `yaml:"retry_scan_interval"`
	DeferredScanInterval Duration `yaml:"deferred_scan_interval"`
	ObserverDebounce    Duration `yaml:"observer_debounce"`
}

// RetryConfig holds the RetryQueue backoff parameters.
type RetryConfig struct {
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
	MaxAttempts int      `yaml:"max_attempts"`
	QueueCapacity int    `yaml:"queue_capacity"`
}

// BlobStoreConfig configures the S3-compatible remote object store. An
// empty Bucket selects the local-filesystem fallback instead.
type BlobStoreConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"-"` // env-only, never in YAML
	SecretKey string `yaml:"-"` // env-only, never in YAML
	UseSSL    *bool  `yaml:"use_ssl"`
	LocalDir  string `yaml:"local_dir"` // used when Bucket is empty
}

// CryptoConfig configures backup envelope encryption.
type CryptoConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Suite           string `yaml:"suite"` // "aes-gcm-pbkdf2" | "chacha20poly1305-argon2id"
	PBKDF2Iterations int   `yaml:"pbkdf2_iterations"`
	Passphrase      string `yaml:"-"` // env-only, never in YAML
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DeviceConfig holds the stable per-device identity.
type DeviceConfig struct {
	ID string `yaml:"id"`
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

// ErrConfig marks a configuration load/validation failure, classified to
// CLI exit code 2 (spec.md §6).
var ErrConfig = errors.New("config: invalid configuration")

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("BOOKMARKSYNC_CONFIG_PATH", "config/bookmarksync.yaml")

	// Missing file is not an error; we just use defaults.
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
		return nil, fmt.Errorf("%w: reading config file: %s", ErrConfig, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing config file: %s", ErrConfig, err)
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
			Host:            "127.0.0.1",
			Port:            8090,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/bookmarksync.db",
		},
		Resource: ResourceConfig{
			BatteryConstrainedPercent: 30,
			BatteryCriticalPercent:    15,
			MemoryConstrainedPercent:  80,
			MemoryCriticalPercent:     90,
			IdleMinutesRequired:       5,
			DegradedNetworkTypes:      []string{"2g", "offline"},
		},
		Schedule: ScheduleConfig{
			Frequency:   "daily",
			Hour:        2,
			Minute:      0,
			DayOfWeek:   0,
			DayOfMonth:  1,
			Timezone:    "UTC",
			RetainCount: 10,
		},
		Sync: SyncConfig{
			Mode:       "host_to_many",
			Writable:   true,
			Strategy:   "preferNewest",
			FolderName: "BookmarkSync",
		},
		Worker: WorkerConfig{
			MainScanInterval:     Duration(15 * time.Minute),
			RetryScanInterval:    Duration(2 * time.Minute),
			DeferredScanInterval: Duration(10 * time.Minute),
			ObserverDebounce:     Duration(3 * time.Second),
		},
		Retry: RetryConfig{
			BaseDelay:     Duration(5 * time.Minute),
			MaxDelay:      Duration(60 * time.Minute),
			MaxAttempts:   3,
			QueueCapacity: 5,
		},
		BlobStore: BlobStoreConfig{
			LocalDir: "~/.bookmarksync/blobs",
		},
		Crypto: CryptoConfig{
			Enabled:          true,
			Suite:            "aes-gcm-pbkdf2",
			PBKDF2Iterations: 100_000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
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
		return fmt.Errorf("%w: reading config file: %s", ErrConfig, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w: parsing config file: %s", ErrConfig, err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("BOOKMARKSYNC_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("BOOKMARKSYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	// Database
	if v := os.Getenv("BOOKMARKSYNC_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Schedule
	if v := os.Getenv("BOOKMARKSYNC_SCHEDULE_FREQUENCY"); v != "" {
		cfg.Schedule.Frequency = v
	}
	if v := os.Getenv("BOOKMARKSYNC_SCHEDULE_TIMEZONE"); v != "" {
		cfg.Schedule.Timezone = v
	}
	if v := os.Getenv("BOOKMARKSYNC_RETAIN_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Schedule.RetainCount = n
		}
	}

	// Sync
	if v := os.Getenv("BOOKMARKSYNC_SYNC_MODE"); v != "" {
		cfg.Sync.Mode = v
	}
	if v := os.Getenv("BOOKMARKSYNC_SYNC_STRATEGY"); v != "" {
		cfg.Sync.Strategy = v
	}
	if v := os.Getenv("BOOKMARKSYNC_SYNC_WRITABLE"); v != "" {
		cfg.Sync.Writable = v == "true" || v == "1"
	}

	// Worker
	if v := os.Getenv("BOOKMARKSYNC_MAIN_SCAN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.MainScanInterval = Duration(d)
		}
	}
	if v := os.Getenv("BOOKMARKSYNC_RETRY_SCAN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.RetryScanInterval = Duration(d)
		}
	}
	if v := os.Getenv("BOOKMARKSYNC_DEFERRED_SCAN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.DeferredScanInterval = Duration(d)
		}
	}

	// Retry
	if v := os.Getenv("BOOKMARKSYNC_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.MaxAttempts = n
		}
	}

	// BlobStore (S3-compatible; AWS_* names follow the SDK's own
	// convention for access keys rather than a BOOKMARKSYNC_-prefixed pair)
	if v := os.Getenv("BOOKMARKSYNC_S3_ENDPOINT"); v != "" {
		cfg.BlobStore.Endpoint = v
	}
	if v := os.Getenv("BOOKMARKSYNC_S3_BUCKET"); v != "" {
		cfg.BlobStore.Bucket = v
	}
	if v := os.Getenv("BOOKMARKSYNC_S3_REGION"); v != "" {
		cfg.BlobStore.Region = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		cfg.BlobStore.AccessKey = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.BlobStore.SecretKey = v
	}

	// Crypto
	if v := os.Getenv("BOOKMARKSYNC_CRYPTO_ENABLED"); v != "" {
		cfg.Crypto.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("BOOKMARKSYNC_PASSPHRASE"); v != "" {
		cfg.Crypto.Passphrase = v
	}

	// Log
	if v := os.Getenv("BOOKMARKSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("BOOKMARKSYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	// Device
	if v := os.Getenv("BOOKMARKSYNC_DEVICE_ID"); v != "" {
		cfg.Device.ID = v
	}
}

// validate checks that required configuration values are set.
// In dev mode (BOOKMARKSYNC_DEV_MODE=true), passphrase/credential
// validation is skipped.
func (c *Config) validate() error {
	if os.Getenv("BOOKMARKSYNC_DEV_MODE") == "true" {
		return nil
	}

	if c.Crypto.Enabled && c.Crypto.Passphrase == "" {
		return fmt.Errorf("%w: BOOKMARKSYNC_PASSPHRASE is required when crypto.enabled is true", ErrConfig)
	}
	if c.BlobStore.Bucket != "" && (c.BlobStore.AccessKey == "" || c.BlobStore.SecretKey == "") {
		return fmt.Errorf("%w: AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY are required when blobstore.bucket is set", ErrConfig)
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
