package metadata

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
)

// MemoryStore is an in-process Store. Each segment tracks its live objects in
// a roaring bitmap keyed by the object's ordinal within the segment, so
// reclaimability checks do not scan records.
type MemoryStore struct {
	mu          sync.RWMutex
	buckets     map[string]*Bucket
	segments    map[string]map[uint64]*memSegment
	objects     map[string]*memObject
	nextSegment uint64
	closed      bool
}

type memSegment struct {
	meta    Segment
	live    *roaring.Bitmap
	all     *roaring.Bitmap
	next    uint32
	members map[uint32]string
}

type memObject struct {
	rec     Object
	ordinal uint32
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets:  make(map[string]*Bucket),
		segments: make(map[string]map[uint64]*memSegment),
		objects:  make(map[string]*memObject),
	}
}

func (m *MemoryStore) check() error {
	if m.closed {
		return ErrClosed
	}
	return nil
}

// CreateBucket registers a new bucket.
func (m *MemoryStore) CreateBucket(_ context.Context, b Bucket) (Bucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return Bucket{}, err
	}

	if existing, ok := m.buckets[b.ID]; ok && existing.Status != BucketDeleted {
		return Bucket{}, fmt.Errorf("%s: %w", b.ID, ErrBucketExists)
	}
	b.Status = BucketActive
	b.CreatedAt = now()
	b.MarkedAt = nil
	b.DeletedAt = nil
	b.Config.Options = cloneOptions(b.Config.Options)
	m.buckets[b.ID] = &b
	return copyBucket(&b), nil
}

// GetBucket returns the bucket record.
func (m *MemoryStore) GetBucket(_ context.Context, id string) (Bucket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return Bucket{}, err
	}
	b, ok := m.buckets[id]
	if !ok {
		return Bucket{}, fmt.Errorf("%s: %w", id, ErrBucketNotFound)
	}
	return copyBucket(b), nil
}

// ListBuckets visits buckets ordered by id.
func (m *MemoryStore) ListBuckets(_ context.Context, fn func(Bucket) error) error {
	m.mu.RLock()
	if err := m.check(); err != nil {
		m.mu.RUnlock()
		return err
	}
	list := make([]Bucket, 0, len(m.buckets))
	for _, b := range m.buckets {
		list = append(list, copyBucket(b))
	}
	m.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	for _, b := range list {
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

// MarkBucketForDeletion marks an active bucket.
func (m *MemoryStore) MarkBucketForDeletion(_ context.Context, id string) (BucketStatus, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return "", false, err
	}
	b, ok := m.buckets[id]
	if !ok {
		return "", false, fmt.Errorf("%s: %w", id, ErrBucketNotFound)
	}
	prev := b.Status
	if prev != BucketActive {
		return prev, false, nil
	}
	t := now()
	b.Status = BucketMarkedForDeletion
	b.MarkedAt = &t
	return prev, true, nil
}

// FinalizeBucket completes bucket teardown.
func (m *MemoryStore) FinalizeBucket(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return false, err
	}
	b, ok := m.buckets[id]
	if !ok {
		return false, fmt.Errorf("%s: %w", id, ErrBucketNotFound)
	}
	switch b.Status {
	case BucketDeleted:
		return false, nil
	case BucketActive:
		return false, fmt.Errorf("%s: %w", id, ErrBucketNotMarked)
	}
	for _, seg := range m.segments[id] {
		if seg.meta.Status != SegmentDeleted {
			return false, fmt.Errorf("%s: segment %d is %s: %w", id, seg.meta.ID, seg.meta.Status, ErrBucketNotEmpty)
		}
	}
	t := now()
	b.Status = BucketDeleted
	b.DeletedAt = &t
	delete(m.segments, id)
	return true, nil
}

// CreateSegment allocates a writable segment.
func (m *MemoryStore) CreateSegment(_ context.Context, bucket string) (Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return Segment{}, err
	}
	b, ok := m.buckets[bucket]
	if !ok {
		return Segment{}, fmt.Errorf("%s: %w", bucket, ErrBucketNotFound)
	}
	if b.Status != BucketActive {
		return Segment{}, fmt.Errorf("%s is %s: %w", bucket, b.Status, ErrBucketNotActive)
	}

	m.nextSegment++
	seg := &memSegment{
		meta: Segment{
			Bucket:    bucket,
			ID:        m.nextSegment,
			Status:    SegmentWritable,
			CreatedAt: now(),
		},
		live:    roaring.New(),
		all:     roaring.New(),
		members: make(map[uint32]string),
	}
	if m.segments[bucket] == nil {
		m.segments[bucket] = make(map[uint64]*memSegment)
	}
	m.segments[bucket][seg.meta.ID] = seg
	return copySegment(&seg.meta), nil
}

func (m *MemoryStore) segment(bucket string, id uint64) (*memSegment, error) {
	seg, ok := m.segments[bucket][id]
	if !ok {
		return nil, fmt.Errorf("%s/%d: %w", bucket, id, ErrSegmentNotFound)
	}
	return seg, nil
}

// GetSegment returns the segment record.
func (m *MemoryStore) GetSegment(_ context.Context, bucket string, id uint64) (Segment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return Segment{}, err
	}
	seg, err := m.segment(bucket, id)
	if err != nil {
		return Segment{}, err
	}
	return copySegment(&seg.meta), nil
}

// ListSegments returns the bucket's segments in GC order.
func (m *MemoryStore) ListSegments(_ context.Context, bucket string, statuses ...SegmentStatus) ([]Segment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}

	var out []Segment
	for _, seg := range m.segments[bucket] {
		if matchStatus(seg.meta.Status, statuses) {
			out = append(out, copySegment(&seg.meta))
		}
	}
	sortSegments(out)
	return out, nil
}

// SealSegment closes a writable segment.
func (m *MemoryStore) SealSegment(_ context.Context, bucket string, id uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return false, err
	}
	seg, err := m.segment(bucket, id)
	if err != nil {
		return false, err
	}
	if seg.meta.Status != SegmentWritable {
		return false, nil
	}
	t := now()
	seg.meta.Status = SegmentSealed
	seg.meta.SealedAt = &t
	return true, nil
}

// MarkSegmentReclaimable checks and transitions under one lock.
func (m *MemoryStore) MarkSegmentReclaimable(_ context.Context, bucket string, id uint64, allowEmpty bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return false, err
	}
	seg, err := m.segment(bucket, id)
	if err != nil {
		return false, err
	}
	if seg.meta.Status != SegmentSealed || !seg.live.IsEmpty() {
		return false, nil
	}
	if seg.all.IsEmpty() && !allowEmpty {
		return false, nil
	}
	seg.meta.Status = SegmentReclaimable
	return true, nil
}

// FinalizeSegment drops a reclaimable segment's records.
func (m *MemoryStore) FinalizeSegment(_ context.Context, bucket string, id uint64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return 0, err
	}
	seg, err := m.segment(bucket, id)
	if err != nil {
		return 0, err
	}
	switch seg.meta.Status {
	case SegmentDeleted:
		return 0, nil
	case SegmentReclaimable:
	default:
		return 0, fmt.Errorf("%s/%d is %s: %w", bucket, id, seg.meta.Status, ErrInvalidTransition)
	}

	dropped := 0
	it := seg.all.Iterator()
	for it.HasNext() {
		delete(m.objects, seg.members[it.Next()])
		dropped++
	}
	seg.all.Clear()
	seg.live.Clear()
	seg.members = make(map[uint32]string)
	seg.meta.Status = SegmentDeleted
	return dropped, nil
}

// SegmentUsage summarizes a segment.
func (m *MemoryStore) SegmentUsage(_ context.Context, bucket string, id uint64) (SegmentUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return SegmentUsage{}, err
	}
	seg, err := m.segment(bucket, id)
	if err != nil {
		return SegmentUsage{}, err
	}

	u := SegmentUsage{
		Objects: int(seg.all.GetCardinality()),
		Live:    int(seg.live.GetCardinality()),
	}
	it := seg.all.Iterator()
	for it.HasNext() {
		ord := it.Next()
		obj := m.objects[seg.members[ord]]
		u.StoredBytes += obj.rec.Length
		if seg.live.Contains(ord) {
			u.LiveBytes += obj.rec.Length
		}
	}
	return u, nil
}

// RegisterObject records a new active object.
func (m *MemoryStore) RegisterObject(_ context.Context, o Object) (Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return Object{}, err
	}
	if _, ok := m.buckets[o.Bucket]; !ok {
		return Object{}, fmt.Errorf("%s: %w", o.Bucket, ErrBucketNotFound)
	}
	seg, err := m.segment(o.Bucket, o.Segment)
	if err != nil {
		return Object{}, err
	}
	if seg.meta.Status != SegmentWritable {
		return Object{}, fmt.Errorf("%s/%d is %s: %w", o.Bucket, o.Segment, seg.meta.Status, ErrSegmentNotWritable)
	}
	if _, ok := m.objects[o.ID]; ok {
		return Object{}, fmt.Errorf("%s: %w", o.ID, ErrObjectExists)
	}

	o.Status = ObjectActive
	o.CreatedAt = now()
	o.DeletedAt = nil

	ord := seg.next
	seg.next++
	seg.members[ord] = o.ID
	seg.all.Add(ord)
	seg.live.Add(ord)
	m.objects[o.ID] = &memObject{rec: o, ordinal: ord}
	return o, nil
}

// GetObject returns an object record.
func (m *MemoryStore) GetObject(_ context.Context, bucket, id string) (Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return Object{}, err
	}
	obj, ok := m.objects[id]
	if !ok || obj.rec.Bucket != bucket {
		return Object{}, fmt.Errorf("%s: %w", id, ErrObjectNotFound)
	}
	return copyObject(&obj.rec), nil
}

// MarkObjectDeleted tombstones an object.
func (m *MemoryStore) MarkObjectDeleted(_ context.Context, bucket, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return false, err
	}
	obj, ok := m.objects[id]
	if !ok || obj.rec.Bucket != bucket || obj.rec.Status == ObjectDeleted {
		return false, nil
	}
	t := now()
	obj.rec.Status = ObjectDeleted
	obj.rec.DeletedAt = &t
	if seg, ok := m.segments[bucket][obj.rec.Segment]; ok {
		seg.live.Remove(obj.ordinal)
	}
	return true, nil
}

// ListObjects visits matching objects ordered by segment and offset.
func (m *MemoryStore) ListObjects(_ context.Context, bucket string, filter ObjectFilter, fn func(Object) error) error {
	m.mu.RLock()
	if err := m.check(); err != nil {
		m.mu.RUnlock()
		return err
	}
	var list []Object
	for _, obj := range m.objects {
		if obj.rec.Bucket == bucket && filter.match(&obj.rec) {
			list = append(list, copyObject(&obj.rec))
		}
	}
	m.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].Segment != list[j].Segment {
			return list[i].Segment < list[j].Segment
		}
		return list[i].Offset < list[j].Offset
	})
	for _, o := range list {
		if err := fn(o); err != nil {
			return err
		}
	}
	return nil
}

// Close marks the store closed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func matchStatus(s SegmentStatus, statuses []SegmentStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, want := range statuses {
		if s == want {
			return true
		}
	}
	return false
}

func sortSegments(segs []Segment) {
	sort.Slice(segs, func(i, j int) bool {
		a, b := segs[i].SealedAt, segs[j].SealedAt
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return segs[i].ID < segs[j].ID
	})
}

func cloneOptions(opts map[string]string) map[string]string {
	if opts == nil {
		return nil
	}
	out := make(map[string]string, len(opts))
	for k, v := range opts {
		out[k] = v
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func copyBucket(b *Bucket) Bucket {
	c := *b
	c.Config.Options = cloneOptions(b.Config.Options)
	c.MarkedAt = copyTime(b.MarkedAt)
	c.DeletedAt = copyTime(b.DeletedAt)
	return c
}

func copySegment(s *Segment) Segment {
	c := *s
	c.SealedAt = copyTime(s.SealedAt)
	return c
}

func copyObject(o *Object) Object {
	c := *o
	c.DeletedAt = copyTime(o.DeletedAt)
	return c
}
