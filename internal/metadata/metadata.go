// Package metadata is the durable index of buckets, segments and objects.
//
// The Store owns the segment state machine
//
//	WRITABLE -> SEALED -> RECLAIMABLE -> DELETED
//
// and the bucket state machine
//
//	ACTIVE -> MARKED_FOR_DELETION -> DELETED
//
// Every transition is a single Store call that checks its precondition and
// applies the change atomically, so two callers can never both decide that the
// same segment is reclaimable.
package metadata

import (
	"context"
	"errors"
	"time"
)

var (
	ErrBucketExists       = errors.New("bucket already exists")
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrBucketNotActive    = errors.New("bucket is not active")
	ErrBucketNotMarked    = errors.New("bucket is not marked for deletion")
	ErrBucketNotEmpty     = errors.New("bucket still owns segments")
	ErrSegmentNotFound    = errors.New("segment not found")
	ErrSegmentNotWritable = errors.New("segment is not writable")
	ErrInvalidTransition  = errors.New("invalid segment transition")
	ErrObjectExists       = errors.New("object already registered")
	ErrObjectNotFound     = errors.New("object not found")
	ErrClosed             = errors.New("metadata store closed")
)

// BucketStatus is the lifecycle state of a bucket.
type BucketStatus string

const (
	BucketActive            BucketStatus = "ACTIVE"
	BucketMarkedForDeletion BucketStatus = "MARKED_FOR_DELETION"
	BucketDeleted           BucketStatus = "DELETED"
)

// SegmentStatus is the lifecycle state of a segment.
type SegmentStatus string

const (
	SegmentWritable    SegmentStatus = "WRITABLE"
	SegmentSealed      SegmentStatus = "SEALED"
	SegmentReclaimable SegmentStatus = "RECLAIMABLE"
	SegmentDeleted     SegmentStatus = "DELETED"
)

// ObjectStatus is the lifecycle state of an object.
type ObjectStatus string

const (
	ObjectActive  ObjectStatus = "ACTIVE"
	ObjectDeleted ObjectStatus = "DELETED"
)

// BucketConfig is fixed when the bucket is created.
type BucketConfig struct {
	SegmentSize int64             `json:"segment_size,omitempty"` // Seal threshold in bytes, 0 = server default
	Compression string            `json:"compression,omitempty"`  // none, zstd or lz4
	Options     map[string]string `json:"options,omitempty"`      // Placement hints, passed through untouched
}

// Bucket contains bucket metadata.
type Bucket struct {
	ID             string       `json:"id"`
	TablespaceName string       `json:"tablespace_name"`
	Config         BucketConfig `json:"config"`
	Status         BucketStatus `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
	MarkedAt       *time.Time   `json:"marked_at,omitempty"`
	DeletedAt      *time.Time   `json:"deleted_at,omitempty"`
}

// Segment contains segment metadata.
type Segment struct {
	Bucket    string        `json:"bucket"`
	ID        uint64        `json:"id"`
	Status    SegmentStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	SealedAt  *time.Time    `json:"sealed_at,omitempty"`
}

// Object is the record of one stored payload.
type Object struct {
	ID        string       `json:"id"`
	Bucket    string       `json:"bucket"`
	Segment   uint64       `json:"segment"`
	Offset    int64        `json:"offset"`
	Length    int64        `json:"length"` // Stored bytes
	Size      int64        `json:"size"`   // Payload bytes before compression
	Codec     string       `json:"codec"`
	Status    ObjectStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	DeletedAt *time.Time   `json:"deleted_at,omitempty"`
}

// SegmentUsage summarizes the records held by a segment.
type SegmentUsage struct {
	Objects     int
	Live        int
	StoredBytes int64
	LiveBytes   int64
}

// ObjectFilter narrows ListObjects. Zero values match everything.
type ObjectFilter struct {
	Segment uint64 // Segment IDs start at 1
	Status  ObjectStatus
}

func (f ObjectFilter) match(o *Object) bool {
	return (f.Segment == 0 || o.Segment == f.Segment) && (f.Status == "" || o.Status == f.Status)
}

// Store is the metadata port consumed by the object manager.
// Implementations must be safe for concurrent use.
type Store interface {
	// CreateBucket registers b as ACTIVE. An id whose previous bucket reached
	// DELETED may be reused.
	CreateBucket(ctx context.Context, b Bucket) (Bucket, error)
	GetBucket(ctx context.Context, id string) (Bucket, error)
	// ListBuckets calls fn for every bucket record, DELETED ones included.
	ListBuckets(ctx context.Context, fn func(Bucket) error) error
	// MarkBucketForDeletion moves an ACTIVE bucket to MARKED_FOR_DELETION and
	// returns the status it had before the call.
	MarkBucketForDeletion(ctx context.Context, id string) (BucketStatus, bool, error)
	// FinalizeBucket moves a marked bucket whose segments are all DELETED to
	// DELETED and drops its segment records.
	FinalizeBucket(ctx context.Context, id string) (bool, error)

	// CreateSegment allocates a WRITABLE segment for an ACTIVE bucket.
	// Segment IDs are unique across buckets and never reused.
	CreateSegment(ctx context.Context, bucket string) (Segment, error)
	GetSegment(ctx context.Context, bucket string, id uint64) (Segment, error)
	// ListSegments returns segments of bucket in any of statuses (all when
	// empty), sealed segments oldest-sealed-first, then unsealed by ID.
	ListSegments(ctx context.Context, bucket string, statuses ...SegmentStatus) ([]Segment, error)
	SealSegment(ctx context.Context, bucket string, id uint64) (bool, error)
	// MarkSegmentReclaimable moves a SEALED segment to RECLAIMABLE if none of
	// its objects is ACTIVE. A segment without records qualifies only when
	// allowEmpty is set.
	MarkSegmentReclaimable(ctx context.Context, bucket string, id uint64, allowEmpty bool) (bool, error)
	// FinalizeSegment moves a RECLAIMABLE segment to DELETED and drops its
	// object records, returning how many were dropped.
	FinalizeSegment(ctx context.Context, bucket string, id uint64) (int, error)
	SegmentUsage(ctx context.Context, bucket string, id uint64) (SegmentUsage, error)

	// RegisterObject records o as ACTIVE. The target segment must be WRITABLE.
	RegisterObject(ctx context.Context, o Object) (Object, error)
	GetObject(ctx context.Context, bucket, id string) (Object, error)
	// MarkObjectDeleted tombstones an ACTIVE object. Unknown and already
	// deleted objects report false without error.
	MarkObjectDeleted(ctx context.Context, bucket, id string) (bool, error)
	ListObjects(ctx context.Context, bucket string, filter ObjectFilter, fn func(Object) error) error

	Close() error
}

func now() time.Time {
	return time.Now().UTC()
}
