package blob

import (
	"context"
	"errors"
	"fmt"

	"github.com/rkosegi/blobit/internal/codec"
	"github.com/rkosegi/blobit/internal/metadata"
	"github.com/rkosegi/blobit/internal/objectid"
	"github.com/rkosegi/blobit/internal/segment"
)

// Get resolves id to its payload. An unknown or deleted object resolves to
// nil data without error; a present object always resolves to a non-nil
// slice, empty for zero-length payloads.
func (m *Manager) Get(ctx context.Context, bucket, id string) *Future[[]byte] {
	return submit(m, "get", func(*Future[[]byte]) ([]byte, error) {
		return m.get(ctx, bucket, id)
	})
}

// Stat returns the record of id, including tombstoned ones.
func (m *Manager) Stat(ctx context.Context, bucket, id string) (*metadata.Object, error) {
	var out *metadata.Object
	err := m.guard(func() error {
		if _, err := decodeFor(bucket, id); err != nil {
			return err
		}
		rec, err := m.meta.GetObject(ctx, bucket, id)
		switch {
		case errors.Is(err, metadata.ErrObjectNotFound):
			return nil
		case err != nil:
			return metadataErr("get object", err)
		}
		out = &rec
		return nil
	})
	return out, err
}

// decodeFor decodes id and checks that it names bucket.
func decodeFor(bucket, id string) (objectid.Location, error) {
	loc, err := objectid.Decode(id)
	if err != nil {
		return loc, &IdentifierError{Token: id, Reason: err}
	}
	if loc.Bucket != bucket {
		return loc, &IdentifierError{Token: id, Reason: fmt.Errorf("identifier belongs to bucket %q, not %q", loc.Bucket, bucket)}
	}
	return loc, nil
}

// lookup returns the live record of id, or nil when the object is absent,
// tombstoned, or has a tombstone pending in this process.
func (m *Manager) lookup(ctx context.Context, bucket, id string) (*metadata.Object, error) {
	if m.isPending(bucket, id) {
		return nil, nil
	}
	rec, err := m.meta.GetObject(ctx, bucket, id)
	switch {
	case errors.Is(err, metadata.ErrObjectNotFound):
		return nil, nil
	case err != nil:
		return nil, metadataErr("get object", err)
	case rec.Status != metadata.ObjectActive:
		return nil, nil
	}
	return &rec, nil
}

func (m *Manager) get(ctx context.Context, bucket, id string) ([]byte, error) {
	loc, err := decodeFor(bucket, id)
	if err != nil {
		return nil, err
	}
	rec, err := m.lookup(ctx, bucket, id)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.Segment != loc.Segment || rec.Offset != loc.Offset || rec.Length != loc.Length {
		return nil, &IdentifierError{Token: id, Reason: fmt.Errorf("identifier location %s does not match record", loc)}
	}

	ref := segment.Ref{Bucket: bucket, ID: rec.Segment}
	var stored []byte
	err = m.cfg.Retry.do(ctx, func() error {
		var err error
		stored, err = m.segments.ReadRange(ctx, ref, rec.Offset, rec.Length)
		return err
	})
	if errors.Is(err, segment.ErrNotFound) {
		// GC may have reclaimed the segment after the lookup. That is only
		// legal if the object was tombstoned in between.
		again, lerr := m.lookup(ctx, bucket, id)
		if lerr != nil {
			return nil, lerr
		}
		if again == nil {
			return nil, nil
		}
	}
	if err != nil {
		return nil, &StorageError{Op: "read", Bucket: bucket, Segment: ref.ID, Transient: segment.IsTransient(err), Err: err}
	}

	data, err := decodePayload(rec, stored)
	if err != nil {
		return nil, &StorageError{Op: "read", Bucket: bucket, Segment: ref.ID, Err: err}
	}

	if metrics := GetMetrics(); metrics != nil {
		metrics.BytesRead.Add(float64(len(data)))
	}
	return data, nil
}

// decodePayload turns the stored bytes of rec back into its payload.
// Zero-length payloads are stored as a placeholder byte.
func decodePayload(rec *metadata.Object, stored []byte) ([]byte, error) {
	if rec.Size == 0 {
		if len(stored) > 1 || (len(stored) == 1 && stored[0] != emptyPlaceholder) {
			return nil, fmt.Errorf("%w: %d stored bytes for empty payload", codec.ErrCorrupt, len(stored))
		}
		return []byte{}, nil
	}
	c, err := codec.Parse(rec.Codec)
	if err != nil {
		return nil, err
	}
	return c.Decode(stored, rec.Size)
}
