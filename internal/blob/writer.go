package blob

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rkosegi/blobit/internal/codec"
	"github.com/rkosegi/blobit/internal/metadata"
	"github.com/rkosegi/blobit/internal/objectid"
	"github.com/rkosegi/blobit/internal/segment"
)

// emptyPlaceholder is stored for payloads that encode to zero bytes.
const emptyPlaceholder byte = 0

// bucketWriter serializes appends to a bucket's writable segment.
type bucketWriter struct {
	mu    sync.Mutex
	seg   uint64 // Current writable segment, 0 when none is open
	size  int64  // Bytes appended to seg, orphans included
	ready bool   // seg exists in the segment store

	// created is the CreatedAt of the bucket incarnation seg belongs to. A
	// bucket id reused after deletion starts over.
	created time.Time
}

func (w *bucketWriter) reset() {
	w.seg = 0
	w.size = 0
	w.ready = false
}

// Put stores data under bucket and resolves to the new object identifier.
func (m *Manager) Put(ctx context.Context, bucket string, data []byte) *Future[string] {
	return m.PutRange(ctx, bucket, data, 0, len(data))
}

// PutRange stores data[offset:offset+length]. The range is copied before
// PutRange returns, so the caller may reuse data immediately.
//
// Once the append has started the write runs to completion even if ctx is
// cancelled; cancelling ctx before that fails the put without side effects.
func (m *Manager) PutRange(ctx context.Context, bucket string, data []byte, offset, length int) *Future[string] {
	payload, err := slice(data, offset, length)
	if err != nil {
		return failedFuture[string](err)
	}
	payload = append([]byte(nil), payload...)

	return submit(m, "put", func(f *Future[string]) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return m.put(context.WithoutCancel(ctx), bucket, payload, f)
	})
}

func (m *Manager) activeBucket(ctx context.Context, bucket string) (metadata.Bucket, error) {
	b, err := m.meta.GetBucket(ctx, bucket)
	switch {
	case errors.Is(err, metadata.ErrBucketNotFound):
		return b, fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
	case err != nil:
		return b, metadataErr("get bucket", err)
	case b.Status != metadata.BucketActive:
		return b, fmt.Errorf("%w: %s is %s", ErrBucketUnavailable, bucket, b.Status)
	}
	return b, nil
}

func (m *Manager) put(ctx context.Context, bucket string, payload []byte, f *Future[string]) (string, error) {
	b, err := m.activeBucket(ctx, bucket)
	if err != nil {
		return "", err
	}
	c, err := codec.Parse(b.Config.Compression)
	if err != nil {
		return "", metadataErr("bucket codec", err)
	}
	stored, err := c.Encode(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrStorageWrite, err)
	}
	if len(stored) == 0 {
		// Every object occupies at least one byte so that no two objects
		// share an offset, and thus an identifier.
		stored = []byte{emptyPlaceholder}
	}

	w := m.writer(bucket)
	w.mu.Lock()
	defer w.mu.Unlock()

	// The bucket may have been marked while this put waited for the lock.
	cur, err := m.activeBucket(ctx, bucket)
	if err != nil {
		return "", err
	}
	if !w.created.Equal(cur.CreatedAt) {
		w.reset()
		w.created = cur.CreatedAt
	}
	if err := m.openSegment(ctx, bucket, w); err != nil {
		return "", err
	}

	ref := segment.Ref{Bucket: bucket, ID: w.seg}
	var offset int64
	err = m.cfg.Retry.do(ctx, func() error {
		var err error
		offset, err = m.segments.Append(ctx, ref, stored)
		return err
	})
	if err != nil {
		if errors.Is(err, segment.ErrSealed) || errors.Is(err, segment.ErrNotFound) {
			// The store lost track of the segment; start a fresh one next time.
			w.reset()
		}
		return "", &StorageError{Op: "write", Bucket: bucket, Segment: ref.ID, Transient: segment.IsTransient(err), Err: err}
	}
	w.size = offset + int64(len(stored))

	id, err := objectid.Encode(objectid.Location{
		Bucket:  bucket,
		Segment: ref.ID,
		Offset:  offset,
		Length:  int64(len(stored)),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	_, err = m.meta.RegisterObject(ctx, metadata.Object{
		ID:      id,
		Bucket:  bucket,
		Segment: ref.ID,
		Offset:  offset,
		Length:  int64(len(stored)),
		Size:    int64(len(payload)),
		Codec:   c.String(),
	})
	if err != nil {
		if errors.Is(err, metadata.ErrSegmentNotWritable) || errors.Is(err, metadata.ErrSegmentNotFound) {
			w.reset()
		}
		// The appended bytes are unreferenced now; cleanup reclaims them.
		if metrics := GetMetrics(); metrics != nil {
			metrics.OrphanedBytes.Add(float64(len(stored)))
		}
		m.logger.Warn().Err(err).Str("bucket", bucket).Str("segment", ref.String()).
			Int64("offset", offset).Int("length", len(stored)).Msg("registration failed, bytes orphaned")
		return "", metadataErr("register object", err)
	}

	if metrics := GetMetrics(); metrics != nil {
		metrics.BytesWritten.Add(float64(len(payload)))
	}
	// The object is durable and registered. Resolve before sealing so the
	// caller does not wait on it; queued puts wait on the lock instead.
	f.complete(id, nil)

	if w.size >= m.segmentSize(b) {
		if err := m.seal(ctx, bucket, w.seg); err != nil {
			m.logger.Warn().Err(err).Str("segment", ref.String()).Msg("seal failed, will retry on next put")
		} else {
			w.reset()
		}
	}
	return id, nil
}

// openSegment makes sure w has a writable segment that exists in the store.
// Caller must hold w.mu.
func (m *Manager) openSegment(ctx context.Context, bucket string, w *bucketWriter) error {
	if w.seg == 0 {
		seg, err := m.meta.CreateSegment(ctx, bucket)
		switch {
		case errors.Is(err, metadata.ErrBucketNotActive):
			return fmt.Errorf("%w: %w", ErrBucketUnavailable, err)
		case errors.Is(err, metadata.ErrBucketNotFound):
			return fmt.Errorf("%w: %w", ErrBucketNotFound, err)
		case err != nil:
			return metadataErr("create segment", err)
		}
		w.seg = seg.ID
		w.size = 0
		w.ready = false
	}
	if w.ready {
		return nil
	}

	ref := segment.Ref{Bucket: bucket, ID: w.seg}
	err := m.cfg.Retry.do(ctx, func() error { return m.segments.Create(ctx, ref) })
	if err != nil {
		return &StorageError{Op: "write", Bucket: bucket, Segment: ref.ID, Transient: segment.IsTransient(err), Err: err}
	}
	w.ready = true
	return nil
}
