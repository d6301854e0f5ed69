package segment

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocalStore(t *testing.T, dir string, opts LocalOptions) *LocalStore {
	t.Helper()
	opts.Logger = zerolog.Nop()
	s, err := NewLocalStore(dir, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLocalStoreLayout(t *testing.T) {
	dir := t.TempDir()
	s := newTestLocalStore(t, dir, LocalOptions{})
	ctx := context.Background()
	ref := Ref{Bucket: "photos", ID: 0x2a}

	require.NoError(t, s.Create(ctx, ref))
	assert.FileExists(t, filepath.Join(dir, "photos", "000000000000002a.open"))

	require.NoError(t, s.Seal(ctx, ref))
	assert.FileExists(t, filepath.Join(dir, "photos", "000000000000002a.seg"))
	assert.NoFileExists(t, filepath.Join(dir, "photos", "000000000000002a.open"))
}

func TestLocalStoreReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	writable := Ref{Bucket: "b", ID: 1}
	sealed := Ref{Bucket: "b", ID: 2}

	s1, err := NewLocalStore(dir, LocalOptions{Fsync: true, Logger: zerolog.Nop()})
	require.NoError(t, err)
	for _, ref := range []Ref{writable, sealed} {
		require.NoError(t, s1.Create(ctx, ref))
		_, err := s1.Append(ctx, ref, []byte("first"))
		require.NoError(t, err)
	}
	require.NoError(t, s1.Seal(ctx, sealed))
	require.NoError(t, s1.Close())

	s2 := newTestLocalStore(t, dir, LocalOptions{})

	// Appends continue where the previous process stopped.
	off, err := s2.Append(ctx, writable, []byte("second"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), off)

	data, err := s2.ReadRange(ctx, writable, 0, 11)
	require.NoError(t, err)
	assert.Equal(t, []byte("firstsecond"), data)

	_, err = s2.Append(ctx, sealed, []byte("x"))
	assert.ErrorIs(t, err, ErrSealed)
	assert.ErrorIs(t, s2.Create(ctx, sealed), ErrSealed)

	data, err = s2.ReadRange(ctx, sealed, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), data)
}

func TestLocalStoreReadWritableFromDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	ref := Ref{Bucket: "b", ID: 1}

	s1 := newTestLocalStore(t, dir, LocalOptions{})
	require.NoError(t, s1.Create(ctx, ref))
	_, err := s1.Append(ctx, ref, []byte("abc"))
	require.NoError(t, err)

	// A second store that has not opened the writer reads the file directly.
	s2 := newTestLocalStore(t, dir, LocalOptions{})
	data, err := s2.ReadRange(ctx, ref, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("bc"), data)
}

func TestLocalStoreInsufficientSpace(t *testing.T) {
	s := newTestLocalStore(t, t.TempDir(), LocalOptions{MinFreeBytes: 1 << 62})
	err := s.Create(context.Background(), Ref{Bucket: "b", ID: 1})
	assert.ErrorIs(t, err, ErrInsufficientSpace)
}

func TestLocalStoreListIgnoresStrayFiles(t *testing.T) {
	dir := t.TempDir()
	s := newTestLocalStore(t, dir, LocalOptions{})
	ctx := context.Background()
	ref := Ref{Bucket: "b", ID: 5}
	require.NoError(t, s.Create(ctx, ref))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "b", "notes.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b", "zz.seg"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "top-level-file"), []byte("x"), 0644))

	infos, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, ref, infos[0].Ref)
}

func TestLocalStoreDeleteRemovesEmptyBucketDir(t *testing.T) {
	dir := t.TempDir()
	s := newTestLocalStore(t, dir, LocalOptions{})
	ctx := context.Background()
	a := Ref{Bucket: "b", ID: 1}
	b := Ref{Bucket: "b", ID: 2}
	require.NoError(t, s.Create(ctx, a))
	require.NoError(t, s.Create(ctx, b))

	require.NoError(t, s.Delete(ctx, a))
	assert.DirExists(t, filepath.Join(dir, "b"))

	require.NoError(t, s.Delete(ctx, b))
	assert.NoDirExists(t, filepath.Join(dir, "b"))
}

func TestLocalStoreSealMissing(t *testing.T) {
	s := newTestLocalStore(t, t.TempDir(), LocalOptions{})
	err := s.Seal(context.Background(), Ref{Bucket: "b", ID: 1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStoreCloseIsIdempotent(t *testing.T) {
	s, err := NewLocalStore(t.TempDir(), LocalOptions{Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, s.Create(context.Background(), Ref{Bucket: "b", ID: 1}))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
