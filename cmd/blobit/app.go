package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rkosegi/blobit/internal/blob"
	"github.com/rkosegi/blobit/internal/config"
	"github.com/rkosegi/blobit/internal/lease"
	"github.com/rkosegi/blobit/internal/logging/audit"
	"github.com/rkosegi/blobit/internal/metadata"
	"github.com/rkosegi/blobit/internal/segment"
)

// app owns the stores behind a started object manager.
type app struct {
	cfg      *config.Config
	manager  *blob.Manager
	meta     metadata.Store
	segments segment.Store
	redis    *redis.Client
}

// openApp builds the stores selected by cfg and starts a manager over them.
// A shared app leaves writable segments of other processes alone; one-shot
// commands open shared so a running daemon keeps its open segments.
func openApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, shared bool) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			_ = a.closeStores()
		}
	}()

	var leases lease.Store
	switch cfg.Metadata.Driver {
	case config.DriverMemory:
		a.meta = metadata.NewMemoryStore()
	case config.DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Metadata.Path), 0755); err != nil {
			return nil, fmt.Errorf("create metadata dir: %w", err)
		}
		store, err := metadata.OpenSQLite(cfg.Metadata.Path)
		if err != nil {
			return nil, fmt.Errorf("open metadata: %w", err)
		}
		a.meta = store
		if cfg.GC.Lease.Driver == config.DriverSQLite {
			if leases, err = lease.NewSQLite(store.DB()); err != nil {
				return nil, fmt.Errorf("open lease table: %w", err)
			}
		}
	default:
		return nil, fmt.Errorf("unknown metadata driver %q", cfg.Metadata.Driver)
	}

	switch cfg.GC.Lease.Driver {
	case config.DriverRedis:
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.GC.Lease.RedisAddr,
			Password: cfg.GC.Lease.RedisPassword,
			DB:       cfg.GC.Lease.RedisDB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis %s: %w", cfg.GC.Lease.RedisAddr, err)
		}
		leases = lease.NewRedis(a.redis, cfg.GC.Lease.Prefix)
	case config.DriverLocal:
		leases = lease.NewMemory()
	}

	if a.segments, err = openSegments(ctx, cfg, logger); err != nil {
		return nil, err
	}

	m, err := blob.New(blob.Config{
		Metadata:          a.meta,
		Segments:          a.segments,
		Leases:            leases,
		LeaseTTL:          cfg.GC.Lease.TTL,
		MaxInFlight:       cfg.Scheduler.MaxInFlight,
		SegmentSize:       cfg.Segments.TargetSize.Bytes(),
		Retry:             blob.RetryPolicy{Attempts: cfg.Retry.Attempts, Backoff: cfg.Retry.Backoff},
		KeepWritable:      shared,
		AsyncDeletes:      !cfg.Delete.IsDurable(),
		OrphanGracePeriod: cfg.GC.OrphanGracePeriod,
		GCParallelism:     cfg.GC.Parallelism,
		GCDeleteRate:      cfg.GC.MaxSegmentDeletesPerSecond,
		Logger:            logger,
		Audit:             audit.NewLogger(logger),
	})
	if err != nil {
		return nil, err
	}
	if err := m.Start(ctx); err != nil {
		return nil, fmt.Errorf("start object manager: %w", err)
	}
	a.manager = m
	return a, nil
}

func openSegments(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (segment.Store, error) {
	if cfg.Segments.Driver == config.DriverMemory {
		return segment.NewMemoryStore(), nil
	}

	local, err := segment.NewLocalStore(cfg.Segments.Dir, segment.LocalOptions{
		Fsync:        cfg.Segments.Fsync,
		MinFreeBytes: cfg.Segments.MinFreeSpace.Bytes(),
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open segment dir: %w", err)
	}
	if cfg.Segments.Driver != config.DriverTiered {
		return local, nil
	}

	mc := cfg.Segments.MinIO
	remote, err := segment.NewMinioRemote(ctx, segment.MinioOptions{
		Endpoint:  mc.Endpoint,
		AccessKey: mc.AccessKey,
		SecretKey: mc.SecretKey,
		Bucket:    mc.Bucket,
		Secure:    mc.Secure,
		Region:    mc.Region,
	})
	if err != nil {
		_ = local.Close()
		return nil, fmt.Errorf("connect to remote tier: %w", err)
	}
	return segment.NewTieredStore(local, remote, mc.Prefix, logger), nil
}

// Close drains the manager and closes every store.
func (a *app) Close() error {
	if a.manager != nil {
		a.manager.Close()
	}
	return a.closeStores()
}

func (a *app) closeStores() error {
	var errs []error
	if a.segments != nil {
		errs = append(errs, a.segments.Close())
	}
	if a.meta != nil {
		errs = append(errs, a.meta.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	return errors.Join(errs...)
}
