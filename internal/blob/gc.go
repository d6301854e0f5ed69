package blob

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rkosegi/blobit/internal/metadata"
	"github.com/rkosegi/blobit/internal/segment"
)

// GCStats contains statistics from garbage collection.
type GCStats struct {
	Buckets               int // Buckets examined
	BucketsSkipped        int // Buckets whose GC lease is held by another instance
	BucketsFinalized      int // Marked buckets moved to DELETED
	BucketsAlreadyDeleted int // Buckets left alone because they were DELETED before the pass
	SegmentsScanned       int
	SegmentsReclaimed     int
	SegmentsSkippedActive int // Segments still holding ACTIVE objects
	SegmentsFailed        int // Segments left for a later pass after a fault
	EmptySegments         int // Reclaimed segments that held no object records
	ObjectsDropped        int
	BytesReclaimed        int64 // Stored bytes of dropped objects
	Duration              time.Duration
}

// NoOp reports whether the pass changed nothing. BucketsSkipped and
// BucketsAlreadyDeleted tell a no-op caused by bucket state from an empty pass.
func (s GCStats) NoOp() bool {
	return s.SegmentsReclaimed == 0 && s.BucketsFinalized == 0
}

func (s *GCStats) add(o GCStats) {
	s.Buckets += o.Buckets
	s.BucketsSkipped += o.BucketsSkipped
	s.BucketsFinalized += o.BucketsFinalized
	s.BucketsAlreadyDeleted += o.BucketsAlreadyDeleted
	s.SegmentsScanned += o.SegmentsScanned
	s.SegmentsReclaimed += o.SegmentsReclaimed
	s.SegmentsSkippedActive += o.SegmentsSkippedActive
	s.SegmentsFailed += o.SegmentsFailed
	s.EmptySegments += o.EmptySegments
	s.ObjectsDropped += o.ObjectsDropped
	s.BytesReclaimed += o.BytesReclaimed
}

// CleanupStats extends GCStats with orphaned data found by Cleanup.
type CleanupStats struct {
	GCStats
	OrphanedSegments int   // Segments removed that no live record referenced
	OrphanedBytes    int64 // Their size in the segment store
}

type gcOptions struct {
	// emptyBefore allows reclaiming segments without records that were
	// sealed before this time. Zero disables it for active buckets.
	emptyBefore time.Time
	// orphan is called for every reclaimed segment without records.
	orphan func(segment.Ref)
}

// GC reclaims the sealed segments of bucket whose objects are all deleted and
// finalizes the bucket when it is marked for deletion and empty. Segment
// faults are logged and counted; the pass continues with the next segment.
// Cancelling ctx stops the pass between segments.
func (m *Manager) GC(ctx context.Context, bucket string) (GCStats, error) {
	var stats GCStats
	err := m.guard(func() error {
		start := time.Now()
		var err error
		stats, err = m.gcBucket(ctx, bucket, gcOptions{})
		stats.Duration = time.Since(start)
		return err
	})
	return stats, err
}

// GCAll runs GC over every bucket that is not DELETED, GCParallelism
// buckets at a time. Errors of individual buckets are joined.
func (m *Manager) GCAll(ctx context.Context) (GCStats, error) {
	var stats GCStats
	err := m.guard(func() error {
		start := time.Now()
		var err error
		stats, err = m.gcAll(ctx, gcOptions{})
		stats.Duration = time.Since(start)
		return err
	})
	return stats, err
}

// Cleanup runs GCAll, additionally reclaiming sealed segments that never
// received a record, and removes segment store data that no metadata
// references. Both sweeps only touch data older than OrphanGracePeriod.
func (m *Manager) Cleanup(ctx context.Context) (CleanupStats, error) {
	var stats CleanupStats
	err := m.guard(func() error {
		start := time.Now()
		cutoff := start.Add(-m.cfg.OrphanGracePeriod)

		sizes := make(map[segment.Ref]int64)
		if infos, err := m.segments.List(ctx); err == nil {
			for _, info := range infos {
				sizes[info.Ref] = info.Size
			}
		} else {
			m.logger.Warn().Err(err).Msg("segment listing failed, orphan sizes unknown")
		}

		var mu sync.Mutex
		gcStats, gcErr := m.gcAll(ctx, gcOptions{
			emptyBefore: cutoff,
			orphan: func(ref segment.Ref) {
				mu.Lock()
				defer mu.Unlock()
				stats.OrphanedSegments++
				stats.OrphanedBytes += sizes[ref]
			},
		})
		stats.GCStats = gcStats

		segs, bytes, sweepErr := m.sweepStore(ctx, cutoff)
		stats.OrphanedSegments += segs
		stats.OrphanedBytes += bytes
		stats.Duration = time.Since(start)

		if stats.OrphanedSegments > 0 {
			m.logger.Warn().Int("segments", stats.OrphanedSegments).Int64("bytes", stats.OrphanedBytes).
				Msg("reclaimed orphaned data")
		}
		return errors.Join(gcErr, sweepErr)
	})
	return stats, err
}

func (m *Manager) gcAll(ctx context.Context, opts gcOptions) (GCStats, error) {
	var buckets []string
	err := m.meta.ListBuckets(ctx, func(b metadata.Bucket) error {
		if b.Status != metadata.BucketDeleted {
			buckets = append(buckets, b.ID)
		}
		return nil
	})
	if err != nil {
		return GCStats{}, metadataErr("list buckets", err)
	}

	var (
		mu    sync.Mutex
		total GCStats
		errs  []error
	)
	var g errgroup.Group
	g.SetLimit(m.cfg.GCParallelism)
	for _, bucket := range buckets {
		g.Go(func() error {
			stats, err := m.gcBucket(ctx, bucket, opts)
			mu.Lock()
			defer mu.Unlock()
			total.add(stats)
			if err != nil && !errors.Is(err, ErrBucketNotFound) {
				errs = append(errs, fmt.Errorf("gc %s: %w", bucket, err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return total, errors.Join(errs...)
}

func (m *Manager) gcBucket(ctx context.Context, bucket string, opts gcOptions) (GCStats, error) {
	var stats GCStats

	l := m.gcLock(bucket)
	l.Lock()
	defer l.Unlock()

	held, err := m.acquireGCLease(ctx, bucket)
	if err != nil {
		return stats, err
	}
	if held == nil {
		stats.BucketsSkipped++
		m.logger.Debug().Str("bucket", bucket).Msg("gc lease held elsewhere, skipping")
		return stats, nil
	}
	defer held.release()

	if err := m.flushPending(ctx, bucket); err != nil {
		m.logger.Warn().Err(err).Str("bucket", bucket).Msg("pending tombstones still failing")
	}

	b, err := m.meta.GetBucket(ctx, bucket)
	switch {
	case errors.Is(err, metadata.ErrBucketNotFound):
		return stats, fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
	case err != nil:
		return stats, metadataErr("get bucket", err)
	}
	stats.Buckets++
	if b.Status == metadata.BucketDeleted {
		stats.BucketsAlreadyDeleted++
		return stats, nil
	}

	marked := b.Status == metadata.BucketMarkedForDeletion
	if marked {
		// No put can open a segment any more; close the last one so it can be
		// reclaimed with the rest.
		if _, err := m.sealWritable(ctx, bucket); err != nil {
			return stats, metadataErr("seal writable segments", err)
		}
	}

	segs, err := m.meta.ListSegments(ctx, bucket, metadata.SegmentSealed, metadata.SegmentReclaimable)
	if err != nil {
		return stats, metadataErr("list segments", err)
	}

	logger := m.logger.With().Str("bucket", bucket).Logger()
	for _, seg := range segs {
		if err := ctx.Err(); err != nil {
			m.finishPass(logger, stats)
			return stats, err
		}
		if err := held.renew(ctx); err != nil {
			m.finishPass(logger, stats)
			return stats, err
		}
		stats.SegmentsScanned++

		allowEmpty := marked || (seg.SealedAt != nil && seg.SealedAt.Before(opts.emptyBefore))
		if err := m.reclaimSegment(ctx, seg, allowEmpty, opts, &stats); err != nil {
			if ctx.Err() != nil {
				m.finishPass(logger, stats)
				return stats, ctx.Err()
			}
			stats.SegmentsFailed++
			logger.Warn().Err(err).Uint64("segment", seg.ID).Msg("segment reclamation failed, continuing")
		}
	}

	if marked {
		finalized, err := m.meta.FinalizeBucket(ctx, bucket)
		switch {
		case errors.Is(err, metadata.ErrBucketNotEmpty):
			logger.Debug().Err(err).Msg("marked bucket not empty yet")
		case err != nil:
			m.finishPass(logger, stats)
			return stats, metadataErr("finalize bucket", err)
		case finalized:
			stats.BucketsFinalized++
			logger.Info().Msg("bucket deleted")
			m.audit.LogBucketTransition(bucket, string(metadata.BucketMarkedForDeletion), string(metadata.BucketDeleted), m.cfg.InstanceID)
		}
	}

	m.finishPass(logger, stats)
	return stats, nil
}

// reclaimSegment drives one segment through RECLAIMABLE to DELETED. A segment
// left RECLAIMABLE by an interrupted pass resumes at the store delete.
func (m *Manager) reclaimSegment(ctx context.Context, seg metadata.Segment, allowEmpty bool, opts gcOptions, stats *GCStats) error {
	usage, err := m.meta.SegmentUsage(ctx, seg.Bucket, seg.ID)
	if err != nil {
		return metadataErr("segment usage", err)
	}

	if seg.Status == metadata.SegmentSealed {
		// The metadata store checks for live objects and flips the status in
		// one step, so a concurrent tombstone or registration cannot slip in.
		ok, err := m.meta.MarkSegmentReclaimable(ctx, seg.Bucket, seg.ID, allowEmpty)
		if err != nil {
			return metadataErr("mark segment reclaimable", err)
		}
		if !ok {
			stats.SegmentsSkippedActive++
			return nil
		}
	}

	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}
	ref := segment.Ref{Bucket: seg.Bucket, ID: seg.ID}
	err = m.cfg.Retry.do(ctx, func() error { return m.segments.Delete(ctx, ref) })
	if err != nil {
		return &StorageError{Op: "delete", Bucket: ref.Bucket, Segment: ref.ID, Transient: segment.IsTransient(err), Err: err}
	}

	dropped, err := m.meta.FinalizeSegment(ctx, seg.Bucket, seg.ID)
	if err != nil {
		return metadataErr("finalize segment", err)
	}

	stats.SegmentsReclaimed++
	stats.ObjectsDropped += dropped
	stats.BytesReclaimed += usage.StoredBytes
	m.audit.LogSegmentReclaimed(seg.Bucket, seg.ID, dropped, usage.StoredBytes, m.cfg.InstanceID)
	if usage.Objects == 0 {
		stats.EmptySegments++
		if opts.orphan != nil {
			opts.orphan(ref)
		}
	}
	m.logger.Debug().Str("segment", ref.String()).Int("objects", dropped).Msg("segment reclaimed")
	return nil
}

func (m *Manager) finishPass(logger zerolog.Logger, stats GCStats) {
	if metrics := GetMetrics(); metrics != nil {
		metrics.RecordGC(stats)
	}
	ev := logger.Debug()
	if !stats.NoOp() {
		ev = logger.Info()
	}
	ev.Int("scanned", stats.SegmentsScanned).
		Int("reclaimed", stats.SegmentsReclaimed).
		Int("skipped_active", stats.SegmentsSkippedActive).
		Int("failed", stats.SegmentsFailed).
		Int64("bytes", stats.BytesReclaimed).
		Msg("gc pass finished")
}

// sweepStore deletes store segments older than cutoff that metadata does not
// know about, or knows only as DELETED.
func (m *Manager) sweepStore(ctx context.Context, cutoff time.Time) (int, int64, error) {
	infos, err := m.segments.List(ctx)
	if err != nil {
		return 0, 0, &StorageError{Op: "list", Transient: segment.IsTransient(err), Err: err}
	}

	var (
		segs  int
		bytes int64
		errs  []error
	)
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if !info.ModTime.Before(cutoff) {
			continue
		}
		orphan, err := m.unreferenced(ctx, info.Ref)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !orphan {
			continue
		}
		if err := m.limiter.Wait(ctx); err != nil {
			errs = append(errs, err)
			break
		}
		err = m.cfg.Retry.do(ctx, func() error { return m.segments.Delete(ctx, info.Ref) })
		if err != nil {
			m.logger.Warn().Err(err).Str("segment", info.Ref.String()).Msg("orphaned segment delete failed")
			errs = append(errs, err)
			continue
		}
		segs++
		bytes += info.Size
		m.logger.Info().Str("segment", info.Ref.String()).Int64("bytes", info.Size).Msg("orphaned segment removed")
		m.audit.LogOrphanRemoved(info.Ref.Bucket, info.Ref.ID, info.Size, m.cfg.InstanceID)
	}
	return segs, bytes, errors.Join(errs...)
}

func (m *Manager) unreferenced(ctx context.Context, ref segment.Ref) (bool, error) {
	b, err := m.meta.GetBucket(ctx, ref.Bucket)
	switch {
	case errors.Is(err, metadata.ErrBucketNotFound):
		return true, nil
	case err != nil:
		return false, metadataErr("get bucket", err)
	case b.Status == metadata.BucketDeleted:
		return true, nil
	}

	seg, err := m.meta.GetSegment(ctx, ref.Bucket, ref.ID)
	switch {
	case errors.Is(err, metadata.ErrSegmentNotFound):
		return true, nil
	case err != nil:
		return false, metadataErr("get segment", err)
	}
	return seg.Status == metadata.SegmentDeleted, nil
}

// gcLease is a GC lease held by this instance.
type gcLease struct {
	m       *Manager
	name    string
	renewed time.Time
}

// acquireGCLease returns nil without error when another instance holds the
// lease. Without a lease store every pass proceeds.
func (m *Manager) acquireGCLease(ctx context.Context, bucket string) (*gcLease, error) {
	l := &gcLease{m: m, name: "gc/" + bucket}
	if m.cfg.Leases == nil {
		return l, nil
	}
	ok, err := m.cfg.Leases.Acquire(ctx, l.name, m.cfg.InstanceID, m.cfg.LeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", l.name, err)
	}
	if !ok {
		return nil, nil
	}
	l.renewed = time.Now()
	return l, nil
}

// renew extends the lease once a third of its TTL has passed.
func (l *gcLease) renew(ctx context.Context) error {
	leases := l.m.cfg.Leases
	if leases == nil || time.Since(l.renewed) < l.m.cfg.LeaseTTL/3 {
		return nil
	}
	if err := leases.Renew(ctx, l.name, l.m.cfg.InstanceID, l.m.cfg.LeaseTTL); err != nil {
		return fmt.Errorf("renew %s: %w", l.name, err)
	}
	l.renewed = time.Now()
	return nil
}

func (l *gcLease) release() {
	if l.m.cfg.Leases == nil {
		return
	}
	if err := l.m.cfg.Leases.Release(context.Background(), l.name, l.m.cfg.InstanceID); err != nil {
		l.m.logger.Warn().Err(err).Str("lease", l.name).Msg("lease release failed")
	}
}
