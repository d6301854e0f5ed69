package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rkosegi/blobit/pkg/bytesize"
	"github.com/rkosegi/blobit/testutil"
)

func TestLoad(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
data_dir: /srv/blobit
log_level: debug
metadata:
  driver: sqlite
  path: /srv/meta.db
segments:
  driver: tiered
  target_size: 16MB
  fsync: true
  min_free_space: 1Gi
  minio:
    endpoint: localhost:9000
    access_key: minio
    secret_key: minio123
    bucket: blobit
gc:
  interval: 30s
  orphan_grace_period: 2h
  cleanup_every: 4
  max_segment_deletes_per_second: 50
  parallelism: 8
  lease:
    driver: redis
    ttl: 1m
    redis_addr: localhost:6379
retry:
  attempts: 5
  backoff: 100ms
delete:
  durable: false
scheduler:
  max_in_flight: 32
metrics:
  listen: ":9100"
`
	path := testutil.TempFile(t, dir, "blobit.yaml", content)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/srv/blobit", cfg.DataDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/srv/meta.db", cfg.Metadata.Path)
	assert.Equal(t, DriverTiered, cfg.Segments.Driver)
	assert.Equal(t, "/srv/blobit/segments", cfg.Segments.Dir)
	assert.Equal(t, bytesize.Size(16*bytesize.MB), cfg.Segments.TargetSize)
	assert.True(t, cfg.Segments.Fsync)
	assert.Equal(t, bytesize.GB, cfg.Segments.MinFreeSpace.Bytes())
	assert.Equal(t, "localhost:9000", cfg.Segments.MinIO.Endpoint)
	assert.Equal(t, "segments", cfg.Segments.MinIO.Prefix)
	assert.Equal(t, 30*time.Second, cfg.GC.Interval)
	assert.Equal(t, 2*time.Hour, cfg.GC.OrphanGracePeriod)
	assert.Equal(t, 4, cfg.GC.CleanupEvery)
	assert.Equal(t, 50.0, cfg.GC.MaxSegmentDeletesPerSecond)
	assert.Equal(t, 8, cfg.GC.Parallelism)
	assert.Equal(t, DriverRedis, cfg.GC.Lease.Driver)
	assert.Equal(t, time.Minute, cfg.GC.Lease.TTL)
	assert.Equal(t, 5, cfg.Retry.Attempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Retry.Backoff)
	assert.False(t, cfg.Delete.IsDurable())
	assert.Equal(t, int64(32), cfg.Scheduler.MaxInFlight)
	assert.Equal(t, ":9100", cfg.Metrics.Listen)
}

func TestLoad_Defaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	path := testutil.TempFile(t, dir, "blobit.yaml", "data_dir: /data\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, DriverSQLite, cfg.Metadata.Driver)
	assert.Equal(t, "/data/metadata.db", cfg.Metadata.Path)
	assert.Equal(t, DriverLocal, cfg.Segments.Driver)
	assert.Equal(t, "/data/segments", cfg.Segments.Dir)
	assert.Equal(t, 64*bytesize.MB, cfg.Segments.TargetSize.Bytes())
	assert.Equal(t, 5*time.Minute, cfg.GC.Interval)
	assert.Equal(t, time.Hour, cfg.GC.OrphanGracePeriod)
	assert.Equal(t, DriverLocal, cfg.GC.Lease.Driver)
	assert.Equal(t, 3, cfg.Retry.Attempts)
	assert.True(t, cfg.Delete.IsDurable())
	assert.Empty(t, cfg.Metrics.Listen)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/var/lib/blobit", cfg.DataDir)
	assert.Equal(t, filepath.Join("/var/lib/blobit", "metadata.db"), cfg.Metadata.Path)
}

func TestLoad_ExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	path := testutil.TempFile(t, dir, "blobit.yaml", "data_dir: ~/blobit\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "blobit"), cfg.DataDir)
	assert.Equal(t, filepath.Join(home, "blobit", "segments"), cfg.Segments.Dir)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/blobit.yaml")
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	for name, content := range map[string]string{
		"syntax":   "data_dir: [invalid yaml\n",
		"size":     "segments:\n  target_size: lots\n",
		"duration": "gc:\n  interval: soon\n",
	} {
		t.Run(name, func(t *testing.T) {
			path := testutil.TempFile(t, dir, name+".yaml", content)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"log level", func(c *Config) { c.LogLevel = "loud" }},
		{"metadata driver", func(c *Config) { c.Metadata.Driver = "postgres" }},
		{"segments driver", func(c *Config) { c.Segments.Driver = "tape" }},
		{"tiered without endpoint", func(c *Config) {
			c.Segments.Driver = DriverTiered
			c.Segments.MinIO.Bucket = "b"
		}},
		{"tiered without bucket", func(c *Config) {
			c.Segments.Driver = DriverTiered
			c.Segments.MinIO.Endpoint = "localhost:9000"
		}},
		{"negative interval", func(c *Config) { c.GC.Interval = -time.Second }},
		{"negative grace", func(c *Config) { c.GC.OrphanGracePeriod = -time.Second }},
		{"negative rate", func(c *Config) { c.GC.MaxSegmentDeletesPerSecond = -1 }},
		{"zero parallelism", func(c *Config) { c.GC.Parallelism = 0 }},
		{"lease driver", func(c *Config) { c.GC.Lease.Driver = "zookeeper" }},
		{"sqlite lease on memory metadata", func(c *Config) {
			c.Metadata.Driver = DriverMemory
			c.GC.Lease.Driver = DriverSQLite
		}},
		{"redis without addr", func(c *Config) { c.GC.Lease.Driver = DriverRedis }},
		{"zero attempts", func(c *Config) { c.Retry.Attempts = 0 }},
		{"zero in flight", func(c *Config) { c.Scheduler.MaxInFlight = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
