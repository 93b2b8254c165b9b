// Package config handles configuration loading and validation for dedupgw.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override the configured credentials.
const (
	EnvAccessKey = "DEDUPGW_ACCESS_KEY"
	EnvSecretKey = "DEDUPGW_SECRET_KEY"
)

// Blob backend names.
const (
	BackendFS     = "fs"
	BackendPebble = "pebble"
	BackendS3     = "s3"
	BackendMinio  = "minio"
)

// ServerConfig holds configuration for the gateway.
type ServerConfig struct {
	Listen   string         `yaml:"listen"`
	DataDir  string         `yaml:"data_dir"` // Root for local state (default: /var/lib/dedupgw)
	LogLevel string         `yaml:"log_level"`
	Logging  LoggingConfig  `yaml:"logging"`
	Auth     AuthConfig     `yaml:"auth"`
	Metadata MetadataConfig `yaml:"metadata"`
	Blob     BlobConfig     `yaml:"blob"`
	Presign  PresignConfig  `yaml:"presign"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Limits   LimitsConfig   `yaml:"limits"`
	Buckets  BucketsConfig  `yaml:"buckets"`
	Admin    AdminConfig    `yaml:"admin"`
}

// LoggingConfig selects the log output format.
type LoggingConfig struct {
	Format string `yaml:"format"` // "console" (default) or "json"
}

// AuthConfig holds the single access/secret key pair accepted by the gateway.
type AuthConfig struct {
	Enabled   *bool  `yaml:"enabled"` // default: true
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// IsEnabled reports whether requests must authenticate.
func (a AuthConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// MetadataConfig configures the metadata store.
type MetadataConfig struct {
	Driver string `yaml:"driver"` // only "sqlite"
	DSN    string `yaml:"dsn"`    // file path or ":memory:" (default: <data_dir>/metadata.db)
}

// BlobConfig selects and configures the blob backend.
type BlobConfig struct {
	Backend string       `yaml:"backend"`
	FS      FSConfig     `yaml:"fs"`
	Pebble  PebbleConfig `yaml:"pebble"`
	S3      S3Config     `yaml:"s3"`
	Minio   MinioConfig  `yaml:"minio"`
}

// FSConfig configures the local filesystem backend. Payloads are always
// zstd compressed.
type FSConfig struct {
	Dir           string `yaml:"dir"`            // default: <data_dir>/blobs
	EncryptionKey string `yaml:"encryption_key"` // optional; payloads are sealed when set
}

// PebbleConfig configures the embedded key-value backend.
type PebbleConfig struct {
	Dir string `yaml:"dir"` // default: <data_dir>/pebble
}

// S3Config configures an upstream S3 bucket as the blob backend.
type S3Config struct {
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	ForcePathStyle bool   `yaml:"force_path_style"`
	MaxRetries     int    `yaml:"max_retries"`
	CreateBucket   bool   `yaml:"create_bucket"`
}

// MinioConfig configures an upstream MinIO bucket as the blob backend.
type MinioConfig struct {
	Endpoint       string `yaml:"endpoint"` // host:port
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	Insecure       bool   `yaml:"insecure"`
	ForcePathStyle bool   `yaml:"force_path_style"`
	CreateBucket   bool   `yaml:"create_bucket"`
}

// PresignConfig configures presigned URL tokens.
type PresignConfig struct {
	Secret        string        `yaml:"secret"` // default: the auth secret key
	DefaultExpiry time.Duration `yaml:"default_expiry"`
	MaxExpiry     time.Duration `yaml:"max_expiry"`
	BaseURL       string        `yaml:"base_url"` // default: derived from the request
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled       *bool         `yaml:"enabled"` // default: true
	Path          string        `yaml:"path"`
	StatsInterval time.Duration `yaml:"stats_interval"`
}

// IsEnabled reports whether /metrics is served.
func (m MetricsConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// LimitsConfig bounds request sizes.
type LimitsConfig struct {
	MaxObjectSize ByteSize `yaml:"max_object_size"`
}

// BucketsConfig controls bucket lifecycle.
type BucketsConfig struct {
	AutoCreate *bool `yaml:"auto_create"` // default: true
}

// AutoCreateEnabled reports whether buckets appear on first write or list.
func (b BucketsConfig) AutoCreateEnabled() bool {
	return b.AutoCreate == nil || *b.AutoCreate
}

// AdminConfig configures the operational listener.
type AdminConfig struct {
	Listen      string   `yaml:"listen"` // empty disables the admin server
	Tracing     bool     `yaml:"tracing"`
	TraceBuffer ByteSize `yaml:"trace_buffer"` // default: 10MiB
}

// LoadServerConfig loads server configuration from a YAML file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return ParseServerConfig(data)
}

// ParseServerConfig parses YAML configuration and applies defaults and
// environment overrides.
func ParseServerConfig(data []byte) (*ServerConfig, error) {
	cfg := &ServerConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *ServerConfig {
	cfg := &ServerConfig{}
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg
}

func (c *ServerConfig) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/dedupgw"
	}
	c.DataDir = expandHome(c.DataDir)
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}

	if c.Metadata.Driver == "" {
		c.Metadata.Driver = "sqlite"
	}
	if c.Metadata.DSN == "" {
		c.Metadata.DSN = filepath.Join(c.DataDir, "metadata.db")
	}
	c.Metadata.DSN = expandHome(c.Metadata.DSN)

	if c.Blob.Backend == "" {
		c.Blob.Backend = BackendFS
	}
	if c.Blob.FS.Dir == "" {
		c.Blob.FS.Dir = filepath.Join(c.DataDir, "blobs")
	}
	c.Blob.FS.Dir = expandHome(c.Blob.FS.Dir)
	if c.Blob.Pebble.Dir == "" {
		c.Blob.Pebble.Dir = filepath.Join(c.DataDir, "pebble")
	}
	c.Blob.Pebble.Dir = expandHome(c.Blob.Pebble.Dir)
	if c.Blob.S3.Region == "" {
		c.Blob.S3.Region = "us-east-1"
	}
	if c.Blob.S3.MaxRetries == 0 {
		c.Blob.S3.MaxRetries = 3
	}
	if c.Blob.Minio.Region == "" {
		c.Blob.Minio.Region = "us-east-1"
	}

	if c.Presign.DefaultExpiry == 0 {
		c.Presign.DefaultExpiry = time.Hour
	}
	if c.Presign.MaxExpiry == 0 {
		c.Presign.MaxExpiry = 7 * 24 * time.Hour
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.StatsInterval == 0 {
		c.Metrics.StatsInterval = 30 * time.Second
	}

	if c.Limits.MaxObjectSize == 0 {
		c.Limits.MaxObjectSize = 5 * GiB
	}

	if c.Admin.TraceBuffer == 0 {
		c.Admin.TraceBuffer = 10 * MiB
	}
}

func (c *ServerConfig) applyEnv() {
	if v := os.Getenv(EnvAccessKey); v != "" {
		c.Auth.AccessKey = v
	}
	if v := os.Getenv(EnvSecretKey); v != "" {
		c.Auth.SecretKey = v
	}
	if c.Presign.Secret == "" {
		c.Presign.Secret = c.Auth.SecretKey
	}
}

// Validate checks if the server configuration is valid.
func (c *ServerConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("invalid listen address: %w", err)
	}
	if c.Auth.IsEnabled() && (c.Auth.AccessKey == "" || c.Auth.SecretKey == "") {
		return fmt.Errorf("auth.access_key and auth.secret_key are required when auth is enabled")
	}
	if c.Metadata.Driver != "sqlite" {
		return fmt.Errorf("unsupported metadata.driver %q", c.Metadata.Driver)
	}
	if c.Limits.MaxObjectSize < 0 {
		return fmt.Errorf("limits.max_object_size must not be negative")
	}
	if c.Presign.MaxExpiry < c.Presign.DefaultExpiry {
		return fmt.Errorf("presign.max_expiry must be at least presign.default_expiry")
	}
	if c.Admin.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Admin.Listen); err != nil {
			return fmt.Errorf("invalid admin.listen address: %w", err)
		}
		if c.Admin.Listen == c.Listen {
			return fmt.Errorf("admin.listen must differ from listen")
		}
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	switch c.Blob.Backend {
	case BackendFS, BackendPebble:
	case BackendS3:
		if c.Blob.S3.Bucket == "" {
			return fmt.Errorf("blob.s3.bucket is required")
		}
	case BackendMinio:
		if c.Blob.Minio.Endpoint == "" || c.Blob.Minio.Bucket == "" {
			return fmt.Errorf("blob.minio.endpoint and blob.minio.bucket are required")
		}
	default:
		return fmt.Errorf("unknown blob.backend %q", c.Blob.Backend)
	}
	return nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}
