// Package config handles configuration loading, validation, and management for receiverlink.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete client configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Receiver holds defaults for reaching a receiver.
	Receiver ReceiverConfig `toml:"receiver" json:"receiver" yaml:"receiver"`

	// Session holds timing and sizing of an established session.
	Session SessionConfig `toml:"session" json:"session" yaml:"session"`

	// Storage configuration for pairing records and client identity.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics configuration.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// mu protects concurrent access to the config.
	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// ReceiverConfig holds receiver addressing defaults.
type ReceiverConfig struct {
	// DefaultPort is used when a host is given without a port.
	DefaultPort int `toml:"default_port" json:"default_port" yaml:"default_port"`

	// ConnectTimeoutMs bounds TCP connect plus TLS handshake.
	ConnectTimeoutMs int `toml:"connect_timeout_ms" json:"connect_timeout_ms" yaml:"connect_timeout_ms"`
}

// SessionConfig holds session engine parameters.
type SessionConfig struct {
	// ResponseTimeoutMs is how long an operation waits for its reply.
	ResponseTimeoutMs int `toml:"response_timeout_ms" json:"response_timeout_ms" yaml:"response_timeout_ms"`

	// KeepaliveIntervalMs is the idle time after which a PING is sent.
	KeepaliveIntervalMs int `toml:"keepalive_interval_ms" json:"keepalive_interval_ms" yaml:"keepalive_interval_ms"`

	// StatusPollMs bounds each read for pushed status frames.
	StatusPollMs int `toml:"status_poll_ms" json:"status_poll_ms" yaml:"status_poll_ms"`

	// WriteTimeoutMs bounds a single line write.
	WriteTimeoutMs int `toml:"write_timeout_ms" json:"write_timeout_ms" yaml:"write_timeout_ms"`

	// QueueSize is the capacity of the operation queue.
	QueueSize int `toml:"queue_size" json:"queue_size" yaml:"queue_size"`

	// DeliveryWorkers is the number of goroutines running result callbacks.
	DeliveryWorkers int `toml:"delivery_workers" json:"delivery_workers" yaml:"delivery_workers"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// DatabasePath is the SQLite file holding pairing records.
	DatabasePath string `toml:"database_path" json:"database_path" yaml:"database_path"`

	// IdentityDir holds the client certificate, its key and the master key.
	IdentityDir string `toml:"identity_dir" json:"identity_dir" yaml:"identity_dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output is "file" or "both").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of log files in days.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// MetricsConfig holds metrics export configuration.
type MetricsConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// ListenAddr serves /metrics and /healthz when Enabled.
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Receiver: ReceiverConfig{
			DefaultPort:      6466,
			ConnectTimeoutMs: 5000,
		},
		Session: SessionConfig{
			ResponseTimeoutMs:   5000,
			KeepaliveIntervalMs: 5000,
			StatusPollMs:        100,
			WriteTimeoutMs:      5000,
			QueueSize:           64,
			DeliveryWorkers:     4,
		},
		Storage: StorageConfig{
			DatabasePath: filepath.Join(dir, "pairings.db"),
			IdentityDir:  filepath.Join(dir, "identity"),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "receiverlink.log"),
			MaxSizeMB:  20,
			MaxBackups: 3,
			MaxAgeDays: 14,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9466",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories storage and logging write to.
func (c *Config) EnsureDirectories() error {
	c.mu.RLock()
	dirs := []string{
		filepath.Dir(c.Storage.DatabasePath),
		c.Storage.IdentityDir,
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	c.mu.RUnlock()

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// DataDir returns the base receiverlink data directory.
// RECEIVERLINK_DATA_DIR overrides the platform default.
func DataDir() string {
	if envDir := os.Getenv("RECEIVERLINK_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with RECEIVERLINK_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("RECEIVERLINK_DATA_DIR"); v != "" {
		c.Storage.DatabasePath = filepath.Join(v, "pairings.db")
		c.Storage.IdentityDir = filepath.Join(v, "identity")
	}
	if v := os.Getenv("RECEIVERLINK_DATABASE_PATH"); v != "" {
		c.Storage.DatabasePath = v
	}
	if v := os.Getenv("RECEIVERLINK_IDENTITY_DIR"); v != "" {
		c.Storage.IdentityDir = v
	}

	if v := os.Getenv("RECEIVERLINK_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("RECEIVERLINK_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	if v := os.Getenv("RECEIVERLINK_RESPONSE_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Session.ResponseTimeoutMs = ms
		}
	}
	if v := os.Getenv("RECEIVERLINK_METRICS_ADDR"); v != "" {
		c.Metrics.Enabled = true
		c.Metrics.ListenAddr = v
	}
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &Config{
		Version:  c.Version,
		Receiver: c.Receiver,
		Session:  c.Session,
		Storage:  c.Storage,
		Logging:  c.Logging,
		Metrics:  c.Metrics,
	}
}

// ConnectTimeout returns Receiver.ConnectTimeoutMs as a duration.
func (c *Config) ConnectTimeout() time.Duration {
	return ms(c.Receiver.ConnectTimeoutMs)
}

// ResponseTimeout returns Session.ResponseTimeoutMs as a duration.
func (s SessionConfig) ResponseTimeout() time.Duration { return ms(s.ResponseTimeoutMs) }

// KeepaliveInterval returns Session.KeepaliveIntervalMs as a duration.
func (s SessionConfig) KeepaliveInterval() time.Duration { return ms(s.KeepaliveIntervalMs) }

// StatusPoll returns Session.StatusPollMs as a duration.
func (s SessionConfig) StatusPoll() time.Duration { return ms(s.StatusPollMs) }

// WriteTimeout returns Session.WriteTimeoutMs as a duration.
func (s SessionConfig) WriteTimeout() time.Duration { return ms(s.WriteTimeoutMs) }

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
