package segment

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Remote is the object storage tier sealed segments are offloaded to.
type Remote interface {
	// Upload stores the file at localPath under key.
	Upload(ctx context.Context, key, localPath string) error

	// ReadRange returns length bytes of key at offset.
	ReadRange(ctx context.Context, key string, offset, length int64) ([]byte, error)

	// Remove deletes key. Removing a missing key is a no-op.
	Remove(ctx context.Context, key string) error

	// List returns every object under prefix.
	List(ctx context.Context, prefix string) ([]RemoteObject, error)
}

// RemoteObject describes an object in the remote tier.
type RemoteObject struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// TieredStore writes segments to a LocalStore and moves them to a Remote once
// sealed. Reads of sealed segments are ranged reads against the remote.
type TieredStore struct {
	local  *LocalStore
	remote Remote
	prefix string
	logger zerolog.Logger
}

// NewTieredStore creates a tiered store. prefix is prepended to every remote key.
func NewTieredStore(local *LocalStore, remote Remote, prefix string, logger zerolog.Logger) *TieredStore {
	return &TieredStore{
		local:  local,
		remote: remote,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.With().Str("component", "segment-tiered").Logger(),
	}
}

func (t *TieredStore) key(ref Ref) string {
	return path.Join(t.prefix, url.PathEscape(ref.Bucket), fmt.Sprintf("%016x%s", ref.ID, sealedExt))
}

// offloaded reports whether ref already lives in the remote tier.
func (t *TieredStore) offloaded(ctx context.Context, ref Ref) (bool, error) {
	_, err := t.remote.ReadRange(ctx, t.key(ref), 0, 0)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, Transient(err)
	}
}

// Create opens ref on local disk. Segments already offloaded are sealed.
func (t *TieredStore) Create(ctx context.Context, ref Ref) error {
	remote, err := t.offloaded(ctx, ref)
	if err != nil {
		return fmt.Errorf("create %s: %w", ref, err)
	}
	if remote {
		return fmt.Errorf("create %s: %w", ref, ErrSealed)
	}
	return t.local.Create(ctx, ref)
}

// Append writes to the local writable segment.
func (t *TieredStore) Append(ctx context.Context, ref Ref, data []byte) (int64, error) {
	off, err := t.local.Append(ctx, ref, data)
	if errors.Is(err, ErrNotFound) {
		if remote, _ := t.offloaded(ctx, ref); remote {
			return 0, fmt.Errorf("append %s: %w", ref, ErrSealed)
		}
	}
	return off, err
}

// ReadRange serves from local disk when the segment is still there and from
// the remote tier otherwise.
func (t *TieredStore) ReadRange(ctx context.Context, ref Ref, offset, length int64) ([]byte, error) {
	data, err := t.local.ReadRange(ctx, ref, offset, length)
	if !errors.Is(err, ErrNotFound) {
		return data, err
	}
	if offset < 0 || length < 0 {
		return nil, checkRange(ref, 0, offset, length)
	}
	return t.remote.ReadRange(ctx, t.key(ref), offset, length)
}

// Seal seals locally, uploads the sealed file, then drops the local copy.
// If the upload fails the segment stays local and sealed; Seal can be retried.
func (t *TieredStore) Seal(ctx context.Context, ref Ref) error {
	if err := t.local.Seal(ctx, ref); err != nil {
		if errors.Is(err, ErrNotFound) {
			// Already offloaded.
			return nil
		}
		return err
	}

	localPath := t.local.path(ref, sealedExt)
	if err := t.remote.Upload(ctx, t.key(ref), localPath); err != nil {
		return Transient(fmt.Errorf("offload %s: %w", ref, err))
	}
	if err := os.Remove(localPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		t.logger.Warn().Err(err).Str("segment", ref.String()).Msg("offloaded segment left on local disk")
	}
	return nil
}

// Delete removes ref from both tiers.
func (t *TieredStore) Delete(ctx context.Context, ref Ref) error {
	if err := t.local.Delete(ctx, ref); err != nil {
		return err
	}
	if err := t.remote.Remove(ctx, t.key(ref)); err != nil {
		return Transient(fmt.Errorf("delete remote %s: %w", ref, err))
	}
	return nil
}

// List merges the local and remote listings.
func (t *TieredStore) List(ctx context.Context) ([]Info, error) {
	infos, err := t.local.List(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[Ref]bool, len(infos))
	for _, info := range infos {
		seen[info.Ref] = true
	}

	prefix := t.prefix
	if prefix != "" {
		prefix += "/"
	}
	objects, err := t.remote.List(ctx, prefix)
	if err != nil {
		return nil, Transient(fmt.Errorf("list remote: %w", err))
	}
	for _, obj := range objects {
		ref, ok := parseRemoteKey(strings.TrimPrefix(obj.Key, prefix))
		if !ok || seen[ref] {
			continue
		}
		infos = append(infos, Info{Ref: ref, Size: obj.Size, Sealed: true, ModTime: obj.LastModified})
	}
	sortInfos(infos)
	return infos, nil
}

func parseRemoteKey(rel string) (Ref, bool) {
	dir, file := path.Split(rel)
	bucket, err := url.PathUnescape(strings.TrimSuffix(dir, "/"))
	if err != nil || bucket == "" || !strings.HasSuffix(file, sealedExt) {
		return Ref{}, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(file, sealedExt), 16, 64)
	if err != nil {
		return Ref{}, false
	}
	return Ref{Bucket: bucket, ID: id}, true
}

// Close closes the local tier.
func (t *TieredStore) Close() error {
	return t.local.Close()
}
