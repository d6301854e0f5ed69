package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rkosegi/blobit/internal/lease"
	"github.com/rkosegi/blobit/internal/logging/audit"
	"github.com/rkosegi/blobit/internal/metadata"
	"github.com/rkosegi/blobit/internal/segment"
)

func TestDeleteThenGCKeepsBucket(t *testing.T) {
	f := newFixture(t)
	f.createBucket("b1", metadata.BucketConfig{})

	id1 := f.put("b1", []byte{1, 2, 3})
	assert.Equal(t, []byte{1, 2, 3}, f.get("b1", id1))

	f.del("b1", id1)
	assert.Nil(t, f.get("b1", id1))

	_, err := f.m.GC(f.ctx, "b1")
	require.NoError(t, err)

	b, err := f.m.GetBucketMetadata(f.ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, metadata.BucketActive, b.Status)
}

func TestGCReclaimsDeletedSegments(t *testing.T) {
	f := newFixture(t)
	f.createBucket("b1", metadata.BucketConfig{SegmentSize: 4})

	a := f.put("b1", []byte{1, 2, 3, 4}) // segment 1, sealed
	b := f.put("b1", []byte{5, 6, 7, 8}) // segment 2, sealed
	c := f.put("b1", []byte{9})          // segment 3, writable
	require.Len(t, f.segments("b1", metadata.SegmentSealed), 2)

	f.del("b1", a)
	f.del("b1", c)

	stats, err := f.m.GC(f.ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Buckets)
	assert.Equal(t, 2, stats.SegmentsScanned)
	assert.Equal(t, 1, stats.SegmentsReclaimed)
	assert.Equal(t, 1, stats.SegmentsSkippedActive)
	assert.Equal(t, 1, stats.ObjectsDropped)
	assert.Equal(t, int64(4), stats.BytesReclaimed)
	assert.False(t, stats.NoOp())

	assert.Equal(t, []byte{5, 6, 7, 8}, f.get("b1", b))
	assert.Nil(t, f.get("b1", a))

	// The writable segment is never reclaimed, even with only deleted objects.
	assert.Len(t, f.segments("b1", metadata.SegmentWritable), 1)
	deleted := f.segments("b1", metadata.SegmentDeleted)
	require.Len(t, deleted, 1)

	infos, err := f.mem.List(f.ctx)
	require.NoError(t, err)
	assert.Len(t, infos, 2)
}

func TestGCIdempotent(t *testing.T) {
	f := newFixture(t)
	f.createBucket("b1", metadata.BucketConfig{SegmentSize: 2})
	f.createBucket("b2", metadata.BucketConfig{SegmentSize: 2})

	for i := 0; i < 4; i++ {
		id := f.put("b1", []byte{byte(i), byte(i)})
		if i%2 == 0 {
			f.del("b1", id)
		}
		f.put("b2", []byte{byte(i), byte(i)})
	}

	first, err := f.m.GCAll(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Buckets)
	assert.Equal(t, 2, first.SegmentsReclaimed)

	before := append(f.segments("b1"), f.segments("b2")...)
	second, err := f.m.GCAll(f.ctx)
	require.NoError(t, err)
	assert.True(t, second.NoOp())
	assert.Equal(t, before, append(f.segments("b1"), f.segments("b2")...))
}

func TestBucketTeardown(t *testing.T) {
	f := newFixture(t)
	f.createBucket("b1", metadata.BucketConfig{})
	id1 := f.put("b1", []byte("one"))
	id2 := f.put("b1", []byte("two"))

	tr, err := f.m.DeleteBucket(f.ctx, "b1").Result()
	require.NoError(t, err)
	assert.Equal(t, Transition{Bucket: "b1", From: metadata.BucketActive, To: metadata.BucketMarkedForDeletion, Changed: true}, tr)

	tr, err = f.m.DeleteBucket(f.ctx, "b1").Result()
	require.NoError(t, err)
	assert.False(t, tr.Changed)
	assert.Equal(t, metadata.BucketMarkedForDeletion, tr.From)
	assert.Equal(t, metadata.BucketMarkedForDeletion, tr.To)

	stats, err := f.m.GCAll(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.BucketsFinalized)
	assert.Equal(t, 1, stats.SegmentsSkippedActive)
	assert.Empty(t, f.segments("b1", metadata.SegmentWritable), "gc seals the last segment of a marked bucket")
	assertStatus(t, f, "b1", metadata.BucketMarkedForDeletion)

	f.del("b1", id1)
	_, err = f.m.GCAll(f.ctx)
	require.NoError(t, err)
	assertStatus(t, f, "b1", metadata.BucketMarkedForDeletion)
	assert.Equal(t, []byte("two"), f.get("b1", id2))

	f.del("b1", id2)
	stats, err = f.m.GCAll(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.BucketsFinalized)
	assert.Equal(t, 1, stats.SegmentsReclaimed)
	assertStatus(t, f, "b1", metadata.BucketDeleted)

	infos, err := f.mem.List(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, infos)

	// Further passes skip the bucket.
	stats, err = f.m.GCAll(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Buckets)
	stats, err = f.m.GC(f.ctx, "b1")
	require.NoError(t, err)
	assert.True(t, stats.NoOp())

	tr, err = f.m.DeleteBucket(f.ctx, "b1").Result()
	require.NoError(t, err)
	assert.Equal(t, Transition{Bucket: "b1", From: metadata.BucketDeleted, To: metadata.BucketDeleted}, tr)

	// The id can be reused.
	f.createBucket("b1", metadata.BucketConfig{})
	id := f.put("b1", []byte("again"))
	assert.Equal(t, []byte("again"), f.get("b1", id))
	assert.Nil(t, f.get("b1", id1))
}

func TestBucketWithActiveObjectNeverDeleted(t *testing.T) {
	f := newFixture(t)
	f.createBucket("b1", metadata.BucketConfig{SegmentSize: 3})
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, f.put("b1", []byte{1, 2, 3}))
	}
	_, err := f.m.DeleteBucket(f.ctx, "b1").Result()
	require.NoError(t, err)

	for _, id := range ids[:4] {
		f.del("b1", id)
	}
	for i := 0; i < 3; i++ {
		_, err := f.m.GCAll(f.ctx)
		require.NoError(t, err)
		assertStatus(t, f, "b1", metadata.BucketMarkedForDeletion)
	}
	assert.Equal(t, []byte{1, 2, 3}, f.get("b1", ids[4]))

	f.del("b1", ids[4])
	_, err = f.m.GCAll(f.ctx)
	require.NoError(t, err)
	assertStatus(t, f, "b1", metadata.BucketDeleted)
}

func TestMarkedEmptyBucketIsFinalized(t *testing.T) {
	f := newFixture(t)
	f.createBucket("b1", metadata.BucketConfig{})
	_, err := f.m.DeleteBucket(f.ctx, "b1").Result()
	require.NoError(t, err)

	stats, err := f.m.GC(f.ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.BucketsFinalized)
	assertStatus(t, f, "b1", metadata.BucketDeleted)
}

func TestGCDeletedBucketReportsState(t *testing.T) {
	f := newFixture(t)
	f.createBucket("gone", metadata.BucketConfig{})
	f.createBucket("idle", metadata.BucketConfig{})
	_, err := f.m.DeleteBucket(f.ctx, "gone").Result()
	require.NoError(t, err)
	_, err = f.m.GC(f.ctx, "gone")
	require.NoError(t, err)

	again, err := f.m.GC(f.ctx, "gone")
	require.NoError(t, err)
	assert.True(t, again.NoOp())
	assert.Equal(t, 1, again.BucketsAlreadyDeleted)
	assert.Zero(t, again.BucketsFinalized)

	idle, err := f.m.GC(f.ctx, "idle")
	require.NoError(t, err)
	assert.True(t, idle.NoOp())
	assert.Zero(t, idle.BucketsAlreadyDeleted)
	assert.Zero(t, idle.BucketsSkipped)
}

func TestGCUnknownBucket(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.GC(f.ctx, "missing")
	assert.ErrorIs(t, err, ErrBucketNotFound)
}

func TestGCContinuesAfterSegmentFailure(t *testing.T) {
	f := newFixture(t)
	f.createBucket("b1", metadata.BucketConfig{SegmentSize: 1})
	a := f.put("b1", []byte{1})
	b := f.put("b1", []byte{2})
	f.del("b1", a)
	f.del("b1", b)

	f.segs.failDelete(errors.New("permission denied"))
	stats, err := f.m.GC(f.ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SegmentsFailed)
	assert.Equal(t, 1, stats.SegmentsReclaimed)

	// The failed segment stays RECLAIMABLE and is finished by the next pass.
	left := f.segments("b1", metadata.SegmentReclaimable)
	require.Len(t, left, 1)

	stats, err = f.m.GC(f.ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SegmentsReclaimed)
	assert.Zero(t, stats.SegmentsFailed)
	assert.Empty(t, f.segments("b1", metadata.SegmentReclaimable))
}

func TestGCRetriesTransientDelete(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Retry = RetryPolicy{Attempts: 2} })
	f.createBucket("b1", metadata.BucketConfig{SegmentSize: 1})
	f.del("b1", f.put("b1", []byte{1}))

	f.segs.failDelete(segment.Transient(errors.New("throttled")))
	stats, err := f.m.GC(f.ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SegmentsReclaimed)
	assert.Equal(t, 2, f.segs.deletes)
}

func TestGCOldestSealedFirst(t *testing.T) {
	f := newFixture(t)
	f.createBucket("b1", metadata.BucketConfig{SegmentSize: 1})
	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, f.put("b1", []byte{byte(i)}))
		time.Sleep(time.Millisecond)
	}
	for _, id := range ids {
		f.del("b1", id)
	}

	var order []uint64
	for _, s := range f.segments("b1", metadata.SegmentSealed) {
		order = append(order, s.ID)
	}
	require.Len(t, order, 3)
	assert.IsIncreasing(t, order)

	ctx, cancel := context.WithCancel(f.ctx)
	defer cancel()
	m := f.start(func(c *Config) {
		c.Segments = &cancelAfterDelete{Store: f.segs, cancel: cancel}
	})

	stats, err := m.GC(ctx, "b1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, stats.SegmentsReclaimed)

	left := f.segments("b1", metadata.SegmentSealed)
	require.Len(t, left, 2)
	assert.Equal(t, order[1:], []uint64{left[0].ID, left[1].ID})
}

// cancelAfterDelete cancels a context after the first segment delete.
type cancelAfterDelete struct {
	segment.Store
	cancel context.CancelFunc
}

func (c *cancelAfterDelete) Delete(ctx context.Context, ref segment.Ref) error {
	defer c.cancel()
	return c.Store.Delete(ctx, ref)
}

func TestGCCancelled(t *testing.T) {
	f := newFixture(t)
	f.createBucket("b1", metadata.BucketConfig{SegmentSize: 1})
	f.del("b1", f.put("b1", []byte{1}))

	ctx, cancel := context.WithCancel(f.ctx)
	cancel()
	stats, err := f.m.GC(ctx, "b1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, stats.SegmentsScanned)
	assert.Len(t, f.segments("b1", metadata.SegmentSealed), 1)
}

func TestGCLeaseHeldElsewhere(t *testing.T) {
	leases := lease.NewMemory()
	f := newFixture(t, func(c *Config) {
		c.Leases = leases
		c.InstanceID = "me"
	})
	f.createBucket("b1", metadata.BucketConfig{SegmentSize: 1})
	f.del("b1", f.put("b1", []byte{1}))

	ok, err := leases.Acquire(f.ctx, "gc/b1", "other", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	stats, err := f.m.GCAll(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.BucketsSkipped)
	assert.Zero(t, stats.SegmentsReclaimed)

	require.NoError(t, leases.Release(f.ctx, "gc/b1", "other"))
	stats, err = f.m.GC(f.ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SegmentsReclaimed)

	// The pass released its lease.
	ok, err = leases.Acquire(f.ctx, "gc/b1", "other", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGCRateLimit(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.GCDeleteRate = 1000 })
	f.createBucket("b1", metadata.BucketConfig{SegmentSize: 1})
	for i := 0; i < 3; i++ {
		f.del("b1", f.put("b1", []byte{byte(i)}))
	}
	stats, err := f.m.GC(f.ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.SegmentsReclaimed)
}

func TestCleanupReclaimsRegistrationOrphans(t *testing.T) {
	f, meta := newFaultyFixture(t)
	f.createBucket("b1", metadata.BucketConfig{})

	meta.registerErr = errors.New("constraint violated")
	_, err := f.m.Put(f.ctx, "b1", []byte("orphan")).Result()
	require.ErrorIs(t, err, ErrMetadata)
	meta.registerErr = nil
	// Close seals the segment holding the orphaned bytes.
	f.m.Close()

	m := f.start(func(c *Config) { c.OrphanGracePeriod = time.Hour })
	stats, err := m.Cleanup(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.OrphanedSegments, "within grace period")
	assert.Len(t, f.segments("b1", metadata.SegmentSealed), 1)
	m.Close()

	m = f.start()
	stats, err = m.Cleanup(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.OrphanedSegments)
	assert.Equal(t, int64(6), stats.OrphanedBytes)
	assert.Equal(t, 1, stats.EmptySegments)

	infos, err := f.mem.List(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, infos)

	// Plain GC never reclaims an empty segment of an active bucket.
	stats2, err := m.GCAll(f.ctx)
	require.NoError(t, err)
	assert.True(t, stats2.NoOp())
}

func TestCleanupRemovesUnreferencedSegments(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.OrphanGracePeriod = time.Minute })
	f.createBucket("b1", metadata.BucketConfig{})
	live := f.put("b1", []byte("live"))

	old := time.Now().Add(-time.Hour)
	ghost := segment.Ref{Bucket: "ghost", ID: 1000}
	stray := segment.Ref{Bucket: "b1", ID: 1001}
	fresh := segment.Ref{Bucket: "b1", ID: 1002}
	for _, ref := range []segment.Ref{ghost, stray, fresh} {
		require.NoError(t, f.mem.Create(f.ctx, ref))
		_, err := f.mem.Append(f.ctx, ref, []byte("xyz"))
		require.NoError(t, err)
	}
	f.mem.Touch(ghost, old)
	f.mem.Touch(stray, old)
	for _, s := range f.segments("b1") {
		f.mem.Touch(segment.Ref{Bucket: "b1", ID: s.ID}, old)
	}

	stats, err := f.m.Cleanup(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.OrphanedSegments)
	assert.Equal(t, int64(6), stats.OrphanedBytes)

	infos, err := f.mem.List(f.ctx)
	require.NoError(t, err)
	var refs []segment.Ref
	for _, info := range infos {
		refs = append(refs, info.Ref)
	}
	assert.NotContains(t, refs, ghost)
	assert.NotContains(t, refs, stray)
	assert.Contains(t, refs, fresh)
	assert.Equal(t, []byte("live"), f.get("b1", live))
}

// TestNoPrematureReclamation interleaves random puts, deletes and GC passes
// and checks that every live object stays readable.
func TestNoPrematureReclamation(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			f := newFixture(t)
			buckets := []string{"b1", "b2"}
			for _, b := range buckets {
				f.createBucket(b, metadata.BucketConfig{SegmentSize: int64(8 + rng.Intn(24))})
			}

			type object struct {
				bucket, id string
				data       []byte
			}
			var live []object

			for i := 0; i < 400; i++ {
				switch op := rng.Intn(10); {
				case op < 5:
					bucket := buckets[rng.Intn(len(buckets))]
					data := make([]byte, rng.Intn(12))
					rng.Read(data)
					live = append(live, object{bucket, f.put(bucket, data), data})
				case op < 8 && len(live) > 0:
					j := rng.Intn(len(live))
					f.del(live[j].bucket, live[j].id)
					assert.Nil(t, f.get(live[j].bucket, live[j].id))
					live = append(live[:j], live[j+1:]...)
				default:
					_, err := f.m.GCAll(f.ctx)
					require.NoError(t, err)
					for _, o := range live {
						got := f.get(o.bucket, o.id)
						require.NotNil(t, got, "object %s reclaimed while live", o.id)
						require.Equal(t, len(o.data), len(got))
						if len(o.data) > 0 {
							require.Equal(t, o.data, got)
						}
					}
				}
			}

			for _, o := range live {
				f.del(o.bucket, o.id)
			}
			_, err := f.m.GCAll(f.ctx)
			require.NoError(t, err)
			for _, b := range buckets {
				assert.Empty(t, f.segments(b, metadata.SegmentSealed))
				assert.Empty(t, f.segments(b, metadata.SegmentReclaimable))
			}
		})
	}
}

func TestConcurrentTraffic(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Scheduler = NewGoroutineScheduler(16)
		c.GCParallelism = 2
	})
	for _, b := range []string{"b1", "b2", "b3"} {
		f.createBucket(b, metadata.BucketConfig{SegmentSize: 64})
	}

	ctx, cancel := context.WithCancel(f.ctx)
	gcDone := make(chan struct{})
	go func() {
		defer close(gcDone)
		for ctx.Err() == nil {
			_, _ = f.m.GCAll(ctx)
		}
	}()

	type kept struct {
		bucket, id string
		data       []byte
	}
	var (
		mu   sync.Mutex
		keep []kept
		wg   sync.WaitGroup
	)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			bucket := []string{"b1", "b2", "b3"}[w%3]
			for i := 0; i < 50; i++ {
				data := []byte(fmt.Sprintf("w%d-%d", w, i))
				id, err := f.m.Put(f.ctx, bucket, data).Wait(f.ctx)
				if !assert.NoError(t, err) {
					return
				}
				if i%2 == 0 {
					_, err := f.m.Delete(f.ctx, bucket, id).Wait(f.ctx)
					assert.NoError(t, err)
					continue
				}
				got, err := f.m.Get(f.ctx, bucket, id).Wait(f.ctx)
				assert.NoError(t, err)
				assert.Equal(t, data, got)
				mu.Lock()
				keep = append(keep, kept{bucket, id, data})
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	cancel()
	<-gcDone

	_, err := f.m.GCAll(f.ctx)
	require.NoError(t, err)
	for _, k := range keep {
		got, err := f.m.Get(f.ctx, k.bucket, k.id).Wait(f.ctx)
		require.NoError(t, err)
		assert.Equal(t, k.data, got)
	}
}

func assertStatus(t *testing.T, f *fixture, bucket string, want metadata.BucketStatus) {
	t.Helper()
	b, err := f.m.GetBucketMetadata(f.ctx, bucket)
	require.NoError(t, err)
	assert.Equal(t, want, b.Status)
}

func TestAuditTrail(t *testing.T) {
	var buf bytes.Buffer
	f := newFixture(t, func(c *Config) {
		c.Audit = audit.NewLogger(zerolog.New(&buf))
		c.InstanceID = "node-1"
	})
	f.createBucket("b1", metadata.BucketConfig{})
	id := f.put("b1", []byte("x"))
	f.del("b1", id)
	_, err := f.m.DeleteBucket(f.ctx, "b1").Result()
	require.NoError(t, err)
	_, err = f.m.GC(f.ctx, "b1")
	require.NoError(t, err)

	var events []string
	dec := json.NewDecoder(&buf)
	for dec.More() {
		var entry map[string]any
		require.NoError(t, dec.Decode(&entry))
		assert.Equal(t, "node-1", entry["instance"])
		assert.Equal(t, "b1", entry["bucket"])
		events = append(events, fmt.Sprintf("%s:%v", entry["event_type"], entry["to"]))
	}
	assert.Equal(t, []string{
		"bucket_transition:ACTIVE",
		"bucket_transition:MARKED_FOR_DELETION",
		"segment_reclaimed:<nil>",
		"bucket_transition:DELETED",
	}, events)
}
