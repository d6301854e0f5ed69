package blob

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rkosegi/blobit/internal/metadata"
	"github.com/rkosegi/blobit/internal/segment"
)

type fixture struct {
	t    *testing.T
	ctx  context.Context
	meta metadata.Store
	segs *faultySegments
	mem  *segment.MemoryStore
	m    *Manager
}

// newFixture starts a manager over in-memory stores with an inline scheduler.
func newFixture(t *testing.T, opts ...func(*Config)) *fixture {
	t.Helper()
	return newFixtureWith(t, metadata.NewMemoryStore(), opts...)
}

// newFaultyFixture is newFixture with error injection on the metadata store.
func newFaultyFixture(t *testing.T, opts ...func(*Config)) (*fixture, *faultyMetadata) {
	t.Helper()
	meta := &faultyMetadata{Store: metadata.NewMemoryStore()}
	return newFixtureWith(t, meta, opts...), meta
}

func newFixtureWith(t *testing.T, meta metadata.Store, opts ...func(*Config)) *fixture {
	t.Helper()
	mem := segment.NewMemoryStore()
	f := &fixture{
		t:    t,
		ctx:  context.Background(),
		meta: meta,
		segs: &faultySegments{Store: mem},
		mem:  mem,
	}
	f.m = f.start(opts...)
	return f
}

// start creates and starts another manager over the fixture's stores.
func (f *fixture) start(opts ...func(*Config)) *Manager {
	f.t.Helper()
	cfg := Config{
		Metadata:  f.meta,
		Segments:  f.segs,
		Scheduler: InlineScheduler{},
		Logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	m, err := New(cfg)
	require.NoError(f.t, err)
	require.NoError(f.t, m.Start(f.ctx))
	f.t.Cleanup(func() { m.Close() })
	return m
}

func (f *fixture) createBucket(id string, cfg metadata.BucketConfig) metadata.Bucket {
	f.t.Helper()
	b, err := f.m.CreateBucket(f.ctx, id, "default", cfg).Result()
	require.NoError(f.t, err)
	return b
}

func (f *fixture) put(bucket string, data []byte) string {
	f.t.Helper()
	id, err := f.m.Put(f.ctx, bucket, data).Result()
	require.NoError(f.t, err)
	require.NotEmpty(f.t, id)
	return id
}

func (f *fixture) get(bucket, id string) []byte {
	f.t.Helper()
	data, err := f.m.Get(f.ctx, bucket, id).Result()
	require.NoError(f.t, err)
	return data
}

func (f *fixture) del(bucket, id string) {
	f.t.Helper()
	_, err := f.m.Delete(f.ctx, bucket, id).Result()
	require.NoError(f.t, err)
}

func (f *fixture) segments(bucket string, statuses ...metadata.SegmentStatus) []metadata.Segment {
	f.t.Helper()
	segs, err := f.meta.ListSegments(f.ctx, bucket, statuses...)
	require.NoError(f.t, err)
	return segs
}

func (f *fixture) objects(bucket string) []metadata.Object {
	f.t.Helper()
	var out []metadata.Object
	require.NoError(f.t, f.meta.ListObjects(f.ctx, bucket, metadata.ObjectFilter{}, func(o metadata.Object) error {
		out = append(out, o)
		return nil
	}))
	return out
}

// faultySegments injects errors into a segment store. Each queued error is
// returned by exactly one call.
type faultySegments struct {
	segment.Store

	mu         sync.Mutex
	appendErrs []error
	readErrs   []error
	deleteErrs []error
	onRead     func()

	appends, reads, deletes int
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (s *faultySegments) failAppend(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendErrs = append(s.appendErrs, errs...)
}

func (s *faultySegments) failRead(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErrs = append(s.readErrs, errs...)
}

func (s *faultySegments) failDelete(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteErrs = append(s.deleteErrs, errs...)
}

func (s *faultySegments) Append(ctx context.Context, ref segment.Ref, data []byte) (int64, error) {
	s.mu.Lock()
	s.appends++
	err := pop(&s.appendErrs)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return s.Store.Append(ctx, ref, data)
}

func (s *faultySegments) ReadRange(ctx context.Context, ref segment.Ref, offset, length int64) ([]byte, error) {
	s.mu.Lock()
	s.reads++
	err := pop(&s.readErrs)
	hook := s.onRead
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return s.Store.ReadRange(ctx, ref, offset, length)
}

func (s *faultySegments) Delete(ctx context.Context, ref segment.Ref) error {
	s.mu.Lock()
	s.deletes++
	err := pop(&s.deleteErrs)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.Delete(ctx, ref)
}

// faultyMetadata injects errors into a metadata store.
type faultyMetadata struct {
	metadata.Store

	mu          sync.Mutex
	registerErr error
	markErr     error
	beforeMark  func()
}

func (s *faultyMetadata) RegisterObject(ctx context.Context, o metadata.Object) (metadata.Object, error) {
	s.mu.Lock()
	err := s.registerErr
	s.mu.Unlock()
	if err != nil {
		return metadata.Object{}, err
	}
	return s.Store.RegisterObject(ctx, o)
}

func (s *faultyMetadata) MarkObjectDeleted(ctx context.Context, bucket, id string) (bool, error) {
	s.mu.Lock()
	err, hook := s.markErr, s.beforeMark
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return false, err
	}
	return s.Store.MarkObjectDeleted(ctx, bucket, id)
}

// queueScheduler holds tasks until run is called.
type queueScheduler struct {
	mu    sync.Mutex
	tasks []func()
}

func (q *queueScheduler) Go(task func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
}

func (q *queueScheduler) run() {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()
		task()
	}
}
