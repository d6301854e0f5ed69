package segment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRemote is an in-memory Remote.
type fakeRemote struct {
	mu        sync.Mutex
	objects   map[string][]byte
	uploadErr error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{objects: make(map[string][]byte)}
}

func (f *fakeRemote) Upload(_ context.Context, key, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return f.uploadErr
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	f.objects[key] = data
	return nil
}

func (f *fakeRemote) ReadRange(_ context.Context, key string, offset, length int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", key, ErrNotFound)
	}
	if offset+length > int64(len(data)) {
		return nil, fmt.Errorf("read %s: %w", key, ErrOutOfRange)
	}
	return bytes.Clone(data[offset : offset+length]), nil
}

func (f *fakeRemote) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeRemote) List(_ context.Context, prefix string) ([]RemoteObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []RemoteObject
	for k, v := range f.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, RemoteObject{Key: k, Size: int64(len(v)), LastModified: time.Now()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (f *fakeRemote) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type storeFactory func(t *testing.T) Store

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"local": func(t *testing.T) Store {
			s, err := NewLocalStore(t.TempDir(), LocalOptions{Logger: zerolog.Nop()})
			require.NoError(t, err)
			return s
		},
		"tiered": func(t *testing.T) Store {
			local, err := NewLocalStore(t.TempDir(), LocalOptions{Logger: zerolog.Nop()})
			require.NoError(t, err)
			return NewTieredStore(local, newFakeRemote(), "segments", zerolog.Nop())
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s)
		})
	}
}

func TestStoreAppendAndRead(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ref := Ref{Bucket: "photos", ID: 1}
		require.NoError(t, s.Create(ctx, ref))

		off, err := s.Append(ctx, ref, []byte("hello"))
		require.NoError(t, err)
		assert.Equal(t, int64(0), off)

		off, err = s.Append(ctx, ref, []byte(" world"))
		require.NoError(t, err)
		assert.Equal(t, int64(5), off)

		data, err := s.ReadRange(ctx, ref, 0, 5)
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), data)

		data, err = s.ReadRange(ctx, ref, 5, 6)
		require.NoError(t, err)
		assert.Equal(t, []byte(" world"), data)

		data, err = s.ReadRange(ctx, ref, 11, 0)
		require.NoError(t, err)
		assert.Empty(t, data)
	})
}

func TestStoreCreateIsIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ref := Ref{Bucket: "b", ID: 7}
		require.NoError(t, s.Create(ctx, ref))
		_, err := s.Append(ctx, ref, []byte("abc"))
		require.NoError(t, err)
		require.NoError(t, s.Create(ctx, ref))

		off, err := s.Append(ctx, ref, []byte("d"))
		require.NoError(t, err)
		assert.Equal(t, int64(3), off)
	})
}

func TestStoreReadOutOfRange(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ref := Ref{Bucket: "b", ID: 1}
		require.NoError(t, s.Create(ctx, ref))
		_, err := s.Append(ctx, ref, []byte("abc"))
		require.NoError(t, err)

		_, err = s.ReadRange(ctx, ref, 2, 5)
		assert.ErrorIs(t, err, ErrOutOfRange)

		_, err = s.ReadRange(ctx, ref, -1, 1)
		assert.ErrorIs(t, err, ErrOutOfRange)
	})
}

func TestStoreMissingSegment(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ref := Ref{Bucket: "b", ID: 99}

		_, err := s.ReadRange(ctx, ref, 0, 1)
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.Append(ctx, ref, []byte("x"))
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStoreSeal(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ref := Ref{Bucket: "b", ID: 1}
		require.NoError(t, s.Create(ctx, ref))
		_, err := s.Append(ctx, ref, []byte("sealed bytes"))
		require.NoError(t, err)

		require.NoError(t, s.Seal(ctx, ref))
		require.NoError(t, s.Seal(ctx, ref), "sealing twice is a no-op")

		_, err = s.Append(ctx, ref, []byte("more"))
		assert.ErrorIs(t, err, ErrSealed)

		data, err := s.ReadRange(ctx, ref, 7, 5)
		require.NoError(t, err)
		assert.Equal(t, []byte("bytes"), data)
	})
}

func TestStoreDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		writable := Ref{Bucket: "b", ID: 1}
		sealed := Ref{Bucket: "b", ID: 2}
		for _, ref := range []Ref{writable, sealed} {
			require.NoError(t, s.Create(ctx, ref))
			_, err := s.Append(ctx, ref, []byte("data"))
			require.NoError(t, err)
		}
		require.NoError(t, s.Seal(ctx, sealed))

		for _, ref := range []Ref{writable, sealed} {
			require.NoError(t, s.Delete(ctx, ref))
			require.NoError(t, s.Delete(ctx, ref), "deleting twice is a no-op")

			_, err := s.ReadRange(ctx, ref, 0, 1)
			assert.ErrorIs(t, err, ErrNotFound)
		}

		infos, err := s.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, infos)
	})
}

func TestStoreList(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		refs := []Ref{
			{Bucket: "zeta", ID: 1},
			{Bucket: "alpha", ID: 10},
			{Bucket: "alpha", ID: 2},
		}
		for _, ref := range refs {
			require.NoError(t, s.Create(ctx, ref))
			_, err := s.Append(ctx, ref, []byte("1234"))
			require.NoError(t, err)
		}
		require.NoError(t, s.Seal(ctx, Ref{Bucket: "alpha", ID: 10}))

		infos, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, infos, 3)

		assert.Equal(t, Ref{Bucket: "alpha", ID: 2}, infos[0].Ref)
		assert.False(t, infos[0].Sealed)
		assert.Equal(t, Ref{Bucket: "alpha", ID: 10}, infos[1].Ref)
		assert.True(t, infos[1].Sealed)
		assert.Equal(t, Ref{Bucket: "zeta", ID: 1}, infos[2].Ref)
		for _, info := range infos {
			assert.Equal(t, int64(4), info.Size)
			assert.False(t, info.ModTime.IsZero())
		}
	})
}

func TestStoreClose(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ref := Ref{Bucket: "b", ID: 1}
		require.NoError(t, s.Create(ctx, ref))
		require.NoError(t, s.Close())

		_, err := s.Append(ctx, ref, []byte("x"))
		assert.ErrorIs(t, err, ErrClosed)
		_, err = s.List(ctx)
		assert.ErrorIs(t, err, ErrClosed)
		assert.ErrorIs(t, s.Create(ctx, Ref{Bucket: "b", ID: 2}), ErrClosed)
	})
}

func TestStoreBucketNamesNeedEscaping(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		ref := Ref{Bucket: "team/a b%", ID: 3}
		require.NoError(t, s.Create(ctx, ref))
		_, err := s.Append(ctx, ref, []byte("x"))
		require.NoError(t, err)
		require.NoError(t, s.Seal(ctx, ref))

		infos, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, infos, 1)
		assert.Equal(t, ref, infos[0].Ref)
	})
}

func TestTransient(t *testing.T) {
	assert.NoError(t, Transient(nil))

	base := errors.New("io timeout")
	err := Transient(base)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, base)
	assert.Same(t, err, Transient(err), "already transient errors are not rewrapped")

	assert.False(t, IsTransient(ErrNotFound))
}

func TestMemoryStoreCreateSealed(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	ref := Ref{Bucket: "b", ID: 1}
	require.NoError(t, s.Create(ctx, ref))
	require.NoError(t, s.Seal(ctx, ref))
	assert.ErrorIs(t, s.Create(ctx, ref), ErrSealed)
	assert.ErrorIs(t, s.Seal(ctx, Ref{Bucket: "b", ID: 2}), ErrNotFound)
}

func TestMemoryStoreTouch(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	ref := Ref{Bucket: "b", ID: 1}
	require.NoError(t, s.Create(ctx, ref))

	old := time.Now().Add(-48 * time.Hour)
	s.Touch(ref, old)

	infos, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.True(t, infos[0].ModTime.Equal(old))
}

func TestMemoryStoreReadReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	ref := Ref{Bucket: "b", ID: 1}
	require.NoError(t, s.Create(ctx, ref))
	_, err := s.Append(ctx, ref, []byte("abc"))
	require.NoError(t, err)

	data, err := s.ReadRange(ctx, ref, 0, 3)
	require.NoError(t, err)
	data[0] = 'z'

	again, err := s.ReadRange(ctx, ref, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}
