// Package config handles configuration loading and validation for blobit.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/rkosegi/blobit/pkg/bytesize"
)

// Driver names.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverLocal  = "local"
	DriverTiered = "tiered"
	DriverRedis  = "redis"
)

// Config is the blobit daemon configuration.
type Config struct {
	DataDir   string          `yaml:"data_dir"` // Default: /var/lib/blobit
	LogLevel  string          `yaml:"log_level"`
	Metadata  MetadataConfig  `yaml:"metadata"`
	Segments  SegmentsConfig  `yaml:"segments"`
	GC        GCConfig        `yaml:"gc"`
	Retry     RetryConfig     `yaml:"retry"`
	Delete    DeleteConfig    `yaml:"delete"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// MetadataConfig selects the metadata store.
type MetadataConfig struct {
	Driver string `yaml:"driver"` // memory or sqlite (default)
	Path   string `yaml:"path"`   // SQLite database file (default: {data_dir}/metadata.db)
}

// SegmentsConfig selects and tunes the segment store.
type SegmentsConfig struct {
	Driver       string        `yaml:"driver"` // memory, local (default) or tiered
	Dir          string        `yaml:"dir"`    // Default: {data_dir}/segments
	TargetSize   bytesize.Size `yaml:"target_size"`
	Fsync        bool          `yaml:"fsync"`
	MinFreeSpace bytesize.Size `yaml:"min_free_space"`
	MinIO        MinIOConfig   `yaml:"minio"`
}

// MinIOConfig configures the remote tier of the tiered segment store.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Secure    bool   `yaml:"secure"`
}

// GCConfig tunes garbage collection.
type GCConfig struct {
	Interval          time.Duration `yaml:"interval"` // 0 disables periodic GC in serve
	OrphanGracePeriod time.Duration `yaml:"orphan_grace_period"`
	// CleanupEvery runs Cleanup instead of GC on every n-th tick.
	CleanupEvery               int         `yaml:"cleanup_every"`
	MaxSegmentDeletesPerSecond float64     `yaml:"max_segment_deletes_per_second"` // 0 = unlimited
	Parallelism                int         `yaml:"parallelism"`
	Lease                      LeaseConfig `yaml:"lease"`
}

// LeaseConfig selects how GC passes are coordinated between processes.
type LeaseConfig struct {
	Driver        string        `yaml:"driver"` // local (default), sqlite or redis
	TTL           time.Duration `yaml:"ttl"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	Prefix        string        `yaml:"prefix"`
}

// RetryConfig bounds retries of transient segment store faults.
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Backoff  time.Duration `yaml:"backoff"`
}

// DeleteConfig controls delete acknowledgement.
type DeleteConfig struct {
	// Durable waits for the tombstone to commit before acknowledging.
	// Defaults to true.
	Durable *bool `yaml:"durable"`
}

// IsDurable reports whether deletes are acknowledged after commit.
func (d DeleteConfig) IsDurable() bool {
	return d.Durable == nil || *d.Durable
}

// SchedulerConfig bounds concurrent asynchronous operations.
type SchedulerConfig struct {
	MaxInFlight int64 `yaml:"max_in_flight"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // Empty disables the endpoint
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load loads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "/var/lib/blobit"
	}
	c.DataDir = expandHome(c.DataDir)
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Metadata.Driver == "" {
		c.Metadata.Driver = DriverSQLite
	}
	if c.Metadata.Path == "" {
		c.Metadata.Path = filepath.Join(c.DataDir, "metadata.db")
	}
	c.Metadata.Path = expandHome(c.Metadata.Path)

	if c.Segments.Driver == "" {
		c.Segments.Driver = DriverLocal
	}
	if c.Segments.Dir == "" {
		c.Segments.Dir = filepath.Join(c.DataDir, "segments")
	}
	c.Segments.Dir = expandHome(c.Segments.Dir)
	if c.Segments.TargetSize == 0 {
		c.Segments.TargetSize = bytesize.Size(64 * bytesize.MB)
	}
	if c.Segments.MinIO.Prefix == "" {
		c.Segments.MinIO.Prefix = "segments"
	}

	if c.GC.Interval == 0 {
		c.GC.Interval = 5 * time.Minute
	}
	if c.GC.OrphanGracePeriod == 0 {
		c.GC.OrphanGracePeriod = time.Hour
	}
	if c.GC.CleanupEvery == 0 {
		c.GC.CleanupEvery = 12
	}
	if c.GC.Parallelism == 0 {
		c.GC.Parallelism = 4
	}
	if c.GC.Lease.Driver == "" {
		c.GC.Lease.Driver = DriverLocal
	}
	if c.GC.Lease.TTL == 0 {
		c.GC.Lease.TTL = 5 * time.Minute
	}
	if c.GC.Lease.Prefix == "" {
		c.GC.Lease.Prefix = "blobit:lease:"
	}

	if c.Retry.Attempts == 0 {
		c.Retry.Attempts = 3
	}
	if c.Retry.Backoff == 0 {
		c.Retry.Backoff = 50 * time.Millisecond
	}
	if c.Scheduler.MaxInFlight == 0 {
		c.Scheduler.MaxInFlight = 256
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}

	switch c.Metadata.Driver {
	case DriverMemory, DriverSQLite:
	default:
		return fmt.Errorf("metadata.driver must be %q or %q, got %q", DriverMemory, DriverSQLite, c.Metadata.Driver)
	}

	switch c.Segments.Driver {
	case DriverMemory, DriverLocal:
	case DriverTiered:
		if c.Segments.MinIO.Endpoint == "" {
			return fmt.Errorf("segments.minio.endpoint is required for the tiered driver")
		}
		if c.Segments.MinIO.Bucket == "" {
			return fmt.Errorf("segments.minio.bucket is required for the tiered driver")
		}
	default:
		return fmt.Errorf("segments.driver must be %q, %q or %q, got %q", DriverMemory, DriverLocal, DriverTiered, c.Segments.Driver)
	}
	if c.Segments.TargetSize <= 0 {
		return fmt.Errorf("segments.target_size must be positive")
	}

	if c.GC.Interval < 0 {
		return fmt.Errorf("gc.interval must not be negative")
	}
	if c.GC.OrphanGracePeriod < 0 {
		return fmt.Errorf("gc.orphan_grace_period must not be negative")
	}
	if c.GC.CleanupEvery < 0 {
		return fmt.Errorf("gc.cleanup_every must not be negative")
	}
	if c.GC.MaxSegmentDeletesPerSecond < 0 {
		return fmt.Errorf("gc.max_segment_deletes_per_second must not be negative")
	}
	if c.GC.Parallelism < 1 {
		return fmt.Errorf("gc.parallelism must be at least 1")
	}

	switch c.GC.Lease.Driver {
	case DriverLocal:
	case DriverSQLite:
		if c.Metadata.Driver != DriverSQLite {
			return fmt.Errorf("gc.lease.driver %q requires metadata.driver %q", DriverSQLite, DriverSQLite)
		}
	case DriverRedis:
		if c.GC.Lease.RedisAddr == "" {
			return fmt.Errorf("gc.lease.redis_addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("gc.lease.driver must be %q, %q or %q, got %q", DriverLocal, DriverSQLite, DriverRedis, c.GC.Lease.Driver)
	}
	if c.GC.Lease.TTL <= 0 {
		return fmt.Errorf("gc.lease.ttl must be positive")
	}

	if c.Retry.Attempts < 1 {
		return fmt.Errorf("retry.attempts must be at least 1")
	}
	if c.Retry.Backoff < 0 {
		return fmt.Errorf("retry.backoff must not be negative")
	}
	if c.Scheduler.MaxInFlight < 1 {
		return fmt.Errorf("scheduler.max_in_flight must be at least 1")
	}
	return nil
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}
