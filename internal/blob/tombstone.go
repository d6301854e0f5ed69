package blob

import (
	"context"
	"errors"
	"fmt"
)

// Delete tombstones id. Deleting an unknown or already deleted object
// succeeds. Physical space is reclaimed later by GC.
//
// With AsyncDeletes the future resolves once the tombstone is queued. Get in
// this process treats the object as absent from then on. A tombstone that
// fails to commit stays pending and is retried by every GC pass on its bucket
// and by Close; a crash before it commits brings the object back.
func (m *Manager) Delete(ctx context.Context, bucket, id string) *Future[struct{}] {
	if _, err := decodeFor(bucket, id); err != nil {
		return failedFuture[struct{}](err)
	}

	return submit(m, "delete", func(f *Future[struct{}]) (struct{}, error) {
		if !m.cfg.AsyncDeletes {
			return struct{}{}, m.tombstone(ctx, bucket, id)
		}

		m.setPending(bucket, id, true)
		f.complete(struct{}{}, nil)
		err := m.tombstone(context.WithoutCancel(ctx), bucket, id)
		if err != nil {
			m.logger.Error().Err(err).Str("bucket", bucket).Str("object_id", id).
				Msg("async tombstone failed, will retry")
			return struct{}{}, err
		}
		m.setPending(bucket, id, false)
		return struct{}{}, nil
	})
}

// flushPending retries the pending tombstones of bucket, or of every bucket
// when bucket is empty. Committed tombstones leave the pending set; failures
// are joined into the returned error and stay pending.
func (m *Manager) flushPending(ctx context.Context, bucket string) error {
	m.pendingMu.Lock()
	var keys []pendingKey
	for k := range m.pending {
		if bucket == "" || k.bucket == bucket {
			keys = append(keys, k)
		}
	}
	m.pendingMu.Unlock()

	var errs []error
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		if err := m.tombstone(ctx, k.bucket, k.id); err != nil {
			errs = append(errs, fmt.Errorf("%s/%s: %w", k.bucket, k.id, err))
			continue
		}
		m.setPending(k.bucket, k.id, false)
	}
	return errors.Join(errs...)
}

func (m *Manager) tombstone(ctx context.Context, bucket, id string) error {
	changed, err := m.meta.MarkObjectDeleted(ctx, bucket, id)
	if err != nil {
		return metadataErr("mark object deleted", err)
	}
	if changed {
		m.logger.Debug().Str("bucket", bucket).Str("object_id", id).Msg("object tombstoned")
	}
	return nil
}

func (m *Manager) setPending(bucket, id string, on bool) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	if on {
		m.pending[pendingKey{bucket, id}] = struct{}{}
	} else {
		delete(m.pending, pendingKey{bucket, id})
	}
}

func (m *Manager) isPending(bucket, id string) bool {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	_, ok := m.pending[pendingKey{bucket, id}]
	return ok
}
