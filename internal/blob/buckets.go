package blob

import (
	"context"
	"errors"
	"fmt"

	"github.com/rkosegi/blobit/internal/codec"
	"github.com/rkosegi/blobit/internal/metadata"
)

// Transition reports the effect of a lifecycle call. Changed is false when
// the call found the bucket already past the requested state.
type Transition struct {
	Bucket  string
	From    metadata.BucketStatus
	To      metadata.BucketStatus
	Changed bool
}

// CreateBucket registers a new ACTIVE bucket. The id of a bucket that
// reached DELETED may be reused.
func (m *Manager) CreateBucket(ctx context.Context, id, tablespace string, cfg metadata.BucketConfig) *Future[metadata.Bucket] {
	if err := validateBucketID(id); err != nil {
		return failedFuture[metadata.Bucket](err)
	}
	c, err := codec.Parse(cfg.Compression)
	if err != nil {
		return failedFuture[metadata.Bucket](fmt.Errorf("%w: %w", ErrInvalidArgument, err))
	}
	if cfg.SegmentSize < 0 {
		return failedFuture[metadata.Bucket](fmt.Errorf("%w: negative segment size %d", ErrInvalidArgument, cfg.SegmentSize))
	}
	cfg.Compression = c.String()

	return submit(m, "create_bucket", func(*Future[metadata.Bucket]) (metadata.Bucket, error) {
		b, err := m.meta.CreateBucket(ctx, metadata.Bucket{
			ID:             id,
			TablespaceName: tablespace,
			Config:         cfg,
		})
		switch {
		case errors.Is(err, metadata.ErrBucketExists):
			return b, fmt.Errorf("%w: %s", ErrBucketAlreadyExists, id)
		case err != nil:
			return b, metadataErr("create bucket", err)
		}
		m.logger.Info().Str("bucket", id).Str("tablespace", tablespace).
			Str("compression", cfg.Compression).Msg("bucket created")
		m.audit.LogBucketTransition(id, "", string(b.Status), m.cfg.InstanceID)
		return b, nil
	})
}

// DeleteBucket marks the bucket for deletion. New puts are rejected from
// then on, reads keep working, and GC tears the bucket down once all of its
// objects are deleted and reclaimed.
func (m *Manager) DeleteBucket(ctx context.Context, id string) *Future[Transition] {
	return submit(m, "delete_bucket", func(*Future[Transition]) (Transition, error) {
		prev, changed, err := m.meta.MarkBucketForDeletion(ctx, id)
		switch {
		case errors.Is(err, metadata.ErrBucketNotFound):
			return Transition{}, fmt.Errorf("%w: %s", ErrBucketNotFound, id)
		case err != nil:
			return Transition{}, metadataErr("mark bucket", err)
		}

		t := Transition{Bucket: id, From: prev, To: prev, Changed: changed}
		if changed {
			t.To = metadata.BucketMarkedForDeletion
			m.logger.Info().Str("bucket", id).Msg("bucket marked for deletion")
			m.audit.LogBucketTransition(id, string(prev), string(t.To), m.cfg.InstanceID)
		}
		return t, nil
	})
}

// ListBuckets calls fn for every bucket, DELETED ones included, in no
// particular order. An error from fn stops the listing and is returned.
func (m *Manager) ListBuckets(ctx context.Context, fn func(metadata.Bucket) error) error {
	return m.guard(func() error {
		var fnErr error
		err := m.meta.ListBuckets(ctx, func(b metadata.Bucket) error {
			if err := fn(b); err != nil {
				fnErr = err
				return err
			}
			return nil
		})
		if fnErr != nil {
			return fnErr
		}
		if err != nil {
			return metadataErr("list buckets", err)
		}
		return nil
	})
}

// GetBucketMetadata returns the current bucket record.
func (m *Manager) GetBucketMetadata(ctx context.Context, id string) (metadata.Bucket, error) {
	var b metadata.Bucket
	err := m.guard(func() error {
		var err error
		b, err = m.meta.GetBucket(ctx, id)
		switch {
		case errors.Is(err, metadata.ErrBucketNotFound):
			return fmt.Errorf("%w: %s", ErrBucketNotFound, id)
		case err != nil:
			return metadataErr("get bucket", err)
		}
		return nil
	})
	return b, err
}
