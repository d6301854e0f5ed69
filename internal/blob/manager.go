// Package blob implements the object lifecycle engine: writing payloads into
// per-bucket append-only segments, resolving identifiers back to bytes,
// tombstoning objects, tearing buckets down and reclaiming segments whose
// objects are all deleted.
//
// All mutating operations and Get are asynchronous and return a Future.
// Bucket listing, metadata reads, GC and cleanup are synchronous.
package blob

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/rkosegi/blobit/internal/lease"
	"github.com/rkosegi/blobit/internal/logging/audit"
	"github.com/rkosegi/blobit/internal/metadata"
	"github.com/rkosegi/blobit/internal/segment"
)

// Defaults applied by New.
const (
	DefaultSegmentSize       = 64 << 20
	DefaultOrphanGracePeriod = time.Hour
	DefaultGCParallelism     = 4
	DefaultLeaseTTL          = 5 * time.Minute
	DefaultMaxInFlight       = 256
	DefaultRetryAttempts     = 3
	DefaultRetryBackoff      = 50 * time.Millisecond
)

// Config configures a Manager.
type Config struct {
	Metadata metadata.Store // Required
	Segments segment.Store  // Required

	// Leases coordinates GC across processes. Nil disables cross-process
	// coordination; passes in one process are always serialized per bucket.
	Leases   lease.Store
	LeaseTTL time.Duration

	// Scheduler runs asynchronous operations. Nil uses a GoroutineScheduler
	// bounded by MaxInFlight.
	Scheduler   Scheduler
	MaxInFlight int64

	// SegmentSize is the seal threshold for buckets that do not set their own.
	SegmentSize int64

	Retry RetryPolicy

	// KeepWritable makes Start leave WRITABLE segments alone. Set it when
	// another process may be appending to the same stores. Segments this
	// manager opens are sealed by Close either way.
	KeepWritable bool

	// AsyncDeletes acknowledges Delete before the tombstone is committed.
	// Tombstones pending in this process still hide the object from Get.
	AsyncDeletes bool

	// OrphanGracePeriod is how old unreferenced data must be before Cleanup
	// removes it.
	OrphanGracePeriod time.Duration

	GCParallelism int
	// GCDeleteRate limits segment deletions per second. Zero is unlimited.
	GCDeleteRate float64

	// InstanceID names this manager as a lease holder. Defaults to a random UUID.
	InstanceID string

	Logger zerolog.Logger

	// Audit records bucket transitions and physical deletions. Nil disables it.
	Audit *audit.Logger
}

type state int

const (
	stateNew state = iota
	stateRunning
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateRunning:
		return "running"
	default:
		return "closed"
	}
}

// Manager is the object manager facade.
type Manager struct {
	cfg      Config
	meta     metadata.Store
	segments segment.Store
	sched    Scheduler
	limiter  *rate.Limiter
	logger   zerolog.Logger
	audit    *audit.Logger

	mu       sync.RWMutex
	state    state
	inflight sync.WaitGroup

	writersMu sync.Mutex
	writers   map[string]*bucketWriter

	gcMu    sync.Mutex
	gcLocks map[string]*sync.Mutex

	pendingMu sync.Mutex
	pending   map[pendingKey]struct{}
}

type pendingKey struct {
	bucket, id string
}

// New creates a Manager. Call Start before using it.
func New(cfg Config) (*Manager, error) {
	if cfg.Metadata == nil {
		return nil, errors.New("metadata store is required")
	}
	if cfg.Segments == nil {
		return nil, errors.New("segment store is required")
	}
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = DefaultSegmentSize
	}
	if cfg.OrphanGracePeriod < 0 {
		return nil, fmt.Errorf("orphan grace period must not be negative: %s", cfg.OrphanGracePeriod)
	}
	if cfg.GCParallelism <= 0 {
		cfg.GCParallelism = DefaultGCParallelism
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry.Attempts = DefaultRetryAttempts
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = NewGoroutineScheduler(cfg.MaxInFlight)
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.GCDeleteRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.GCDeleteRate), 1)
	}

	return &Manager{
		cfg:      cfg,
		meta:     cfg.Metadata,
		segments: cfg.Segments,
		sched:    cfg.Scheduler,
		limiter:  limiter,
		logger:   cfg.Logger.With().Str("component", "blob").Str("instance", cfg.InstanceID).Logger(),
		audit:    cfg.Audit,
		writers:  make(map[string]*bucketWriter),
		gcLocks:  make(map[string]*sync.Mutex),
		pending:  make(map[pendingKey]struct{}),
	}, nil
}

// MetadataStore returns the metadata store the manager works on.
func (m *Manager) MetadataStore() metadata.Store {
	return m.meta
}

// InstanceID returns the lease holder id of this manager.
func (m *Manager) InstanceID() string {
	return m.cfg.InstanceID
}

// Start moves the manager to running. Unless KeepWritable is set, segments
// left WRITABLE by a previous process are sealed: the bytes after their last
// registered object may be orphans of interrupted writes, and a fresh segment
// is opened on demand.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case stateRunning:
		return ErrAlreadyStarted
	case stateClosed:
		return ErrClosed
	}

	sealed := 0
	if !m.cfg.KeepWritable {
		err := m.meta.ListBuckets(ctx, func(b metadata.Bucket) error {
			if b.Status == metadata.BucketDeleted {
				return nil
			}
			n, err := m.sealWritable(ctx, b.ID)
			sealed += n
			return err
		})
		if err != nil {
			return metadataErr("recover writable segments", err)
		}
	}

	m.state = stateRunning
	m.logger.Info().Int("sealed_segments", sealed).Msg("object manager started")
	return nil
}

// Close stops accepting operations and waits for in-flight ones. It then
// retries pending tombstones and seals the segments this manager opened. It
// reports whether this call performed the transition; closing twice is a
// no-op.
func (m *Manager) Close() bool {
	m.mu.Lock()
	if m.state == stateClosed {
		m.mu.Unlock()
		return false
	}
	prev := m.state
	m.state = stateClosed
	m.mu.Unlock()

	m.inflight.Wait()

	ctx := context.Background()
	if err := m.flushPending(ctx, ""); err != nil {
		m.logger.Error().Err(err).Msg("tombstones lost on close")
	}
	m.sealOpen(ctx)

	m.logger.Info().Str("from", prev.String()).Msg("object manager closed")
	return true
}

// sealOpen seals the writable segment of every bucket writer.
func (m *Manager) sealOpen(ctx context.Context) {
	m.writersMu.Lock()
	writers := make(map[string]*bucketWriter, len(m.writers))
	for bucket, w := range m.writers {
		writers[bucket] = w
	}
	m.writersMu.Unlock()

	for bucket, w := range writers {
		w.mu.Lock()
		if w.seg != 0 {
			err := m.seal(ctx, bucket, w.seg)
			if err != nil && !errors.Is(err, metadata.ErrSegmentNotFound) && !errors.Is(err, metadata.ErrBucketNotFound) {
				m.logger.Warn().Err(err).Str("bucket", bucket).Uint64("segment", w.seg).Msg("seal on close failed")
			}
			w.reset()
		}
		w.mu.Unlock()
	}
}

// enter registers an operation. The caller must call m.inflight.Done when
// enter succeeds.
func (m *Manager) enter() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch m.state {
	case stateNew:
		return ErrNotStarted
	case stateClosed:
		return ErrClosed
	}
	m.inflight.Add(1)
	return nil
}

// submit runs op on the scheduler and resolves the returned future with its
// result. op receives a future it may resolve early.
func submit[T any](m *Manager, name string, op func(f *Future[T]) (T, error)) *Future[T] {
	if err := m.enter(); err != nil {
		return failedFuture[T](err)
	}
	f := newFuture[T]()
	m.sched.Go(func() {
		defer m.inflight.Done()
		start := time.Now()
		val, err := op(f)
		f.complete(val, err)
		if metrics := GetMetrics(); metrics != nil {
			metrics.RecordOperation(name, err, time.Since(start).Seconds())
		}
	})
	return f
}

// guard runs a synchronous operation under the lifecycle check.
func (m *Manager) guard(fn func() error) error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.inflight.Done()
	return fn()
}

func (m *Manager) writer(bucket string) *bucketWriter {
	m.writersMu.Lock()
	defer m.writersMu.Unlock()
	w, ok := m.writers[bucket]
	if !ok {
		w = &bucketWriter{}
		m.writers[bucket] = w
	}
	return w
}

func (m *Manager) gcLock(bucket string) *sync.Mutex {
	m.gcMu.Lock()
	defer m.gcMu.Unlock()
	l, ok := m.gcLocks[bucket]
	if !ok {
		l = &sync.Mutex{}
		m.gcLocks[bucket] = l
	}
	return l
}

func (m *Manager) segmentSize(b metadata.Bucket) int64 {
	if b.Config.SegmentSize > 0 {
		return b.Config.SegmentSize
	}
	return m.cfg.SegmentSize
}

// sealWritable seals every WRITABLE segment of bucket while holding its writer
// lock, so no append is in flight.
func (m *Manager) sealWritable(ctx context.Context, bucket string) (int, error) {
	w := m.writer(bucket)
	w.mu.Lock()
	defer w.mu.Unlock()

	segs, err := m.meta.ListSegments(ctx, bucket, metadata.SegmentWritable)
	if err != nil {
		return 0, err
	}
	sealed := 0
	for _, seg := range segs {
		if err := m.seal(ctx, bucket, seg.ID); err != nil {
			return sealed, err
		}
		sealed++
	}
	w.reset()
	return sealed, nil
}

// seal transitions the segment in metadata first, then in the store. A store
// failure is logged; the segment is already closed to registrations.
func (m *Manager) seal(ctx context.Context, bucket string, id uint64) error {
	changed, err := m.meta.SealSegment(ctx, bucket, id)
	if err != nil {
		return err
	}
	ref := segment.Ref{Bucket: bucket, ID: id}
	err = m.cfg.Retry.do(ctx, func() error { return m.segments.Seal(ctx, ref) })
	if err != nil && !errors.Is(err, segment.ErrNotFound) {
		m.logger.Warn().Err(err).Str("segment", ref.String()).Msg("segment store seal failed")
	}
	if changed {
		if metrics := GetMetrics(); metrics != nil {
			metrics.SegmentsSealed.Inc()
		}
		m.logger.Debug().Str("segment", ref.String()).Msg("segment sealed")
	}
	return nil
}
