// Package segment provides append-only storage units that hold object bytes.
//
// A segment belongs to one bucket and is identified by a Ref. Segments are
// appended to while writable, sealed once they reach their target size, read
// by byte range at any time until deleted, and deleted only as a whole. Bytes
// are never rewritten in place.
//
// Implementations:
//
//   - MemoryStore: in-process, for tests and ephemeral deployments
//   - LocalStore: one file per segment with optional fsync and a free-space guard
//   - TieredStore: writable segments on local disk, sealed segments offloaded to
//     S3-compatible object storage
package segment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrNotFound is returned when a segment does not exist.
	ErrNotFound = errors.New("segment not found")

	// ErrSealed is returned when appending to a sealed segment.
	ErrSealed = errors.New("segment is sealed")

	// ErrOutOfRange is returned when a read extends past the end of a segment.
	ErrOutOfRange = errors.New("read out of segment range")

	// ErrInsufficientSpace is returned when the volume is below its free-space reserve.
	ErrInsufficientSpace = errors.New("insufficient free space for new segment")

	// ErrClosed is returned by a closed store.
	ErrClosed = errors.New("segment store closed")

	// ErrTransient marks faults that may succeed on retry.
	ErrTransient = errors.New("transient segment store fault")
)

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Ref names a segment.
type Ref struct {
	Bucket string
	ID     uint64
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%d", r.Bucket, r.ID)
}

// Info describes a segment as seen by the store, independent of metadata.
type Info struct {
	Ref     Ref
	Size    int64
	Sealed  bool
	ModTime time.Time
}

// Store is the append-only storage medium.
//
// Implementations must be safe for concurrent use. Callers guarantee at most
// one in-flight Append per segment.
type Store interface {
	// Create opens ref for appending, creating it if needed.
	Create(ctx context.Context, ref Ref) error

	// Append writes data at the end of ref and returns the offset it was written at.
	// A failed append leaves no partial bytes visible to later appends.
	Append(ctx context.Context, ref Ref, data []byte) (int64, error)

	// ReadRange returns length bytes of ref starting at offset.
	ReadRange(ctx context.Context, ref Ref, offset, length int64) ([]byte, error)

	// Seal closes ref to further appends. Sealing a sealed segment is a no-op.
	Seal(ctx context.Context, ref Ref) error

	// Delete irreversibly removes ref. Deleting a missing segment is a no-op.
	Delete(ctx context.Context, ref Ref) error

	// List returns every segment the store holds.
	List(ctx context.Context) ([]Info, error)

	// Close releases resources. Further calls fail with ErrClosed.
	Close() error
}

func checkRange(ref Ref, size, offset, length int64) error {
	if offset < 0 || length < 0 || offset+length > size {
		return fmt.Errorf("%w: %s has %d bytes, want [%d, %d)", ErrOutOfRange, ref, size, offset, offset+length)
	}
	return nil
}

func sortInfos(infos []Info) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Ref.Bucket != infos[j].Ref.Bucket {
			return infos[i].Ref.Bucket < infos[j].Ref.Bucket
		}
		return infos[i].Ref.ID < infos[j].Ref.ID
	})
}
