package segment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

const (
	writableExt = ".open"
	sealedExt   = ".seg"
)

// LocalOptions configures a LocalStore.
type LocalOptions struct {
	// Fsync flushes every append and seal to stable storage.
	Fsync bool

	// MinFreeBytes refuses new segments when the volume has less free space.
	// Zero disables the check.
	MinFreeBytes int64

	Logger zerolog.Logger
}

// LocalStore keeps one file per segment:
//
//	{dir}/
//	  {escaped bucket}/
//	    {id as 16 hex digits}.open   # writable
//	    {id as 16 hex digits}.seg    # sealed
type LocalStore struct {
	dir    string
	opts   LocalOptions
	logger zerolog.Logger

	mu      sync.Mutex
	writers map[Ref]*localWriter
	closed  bool
}

type localWriter struct {
	mu   sync.Mutex
	f    *os.File
	size int64
}

// NewLocalStore creates a store rooted at dir.
func NewLocalStore(dir string, opts LocalOptions) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create segments dir: %w", err)
	}
	return &LocalStore{
		dir:     dir,
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "segment-local").Logger(),
		writers: make(map[Ref]*localWriter),
	}, nil
}

// Dir returns the root directory.
func (s *LocalStore) Dir() string {
	return s.dir
}

func (s *LocalStore) bucketDir(bucket string) string {
	return filepath.Join(s.dir, url.PathEscape(bucket))
}

func (s *LocalStore) path(ref Ref, ext string) string {
	return filepath.Join(s.bucketDir(ref.Bucket), fmt.Sprintf("%016x%s", ref.ID, ext))
}

// Create opens ref for appending, creating the file if needed.
func (s *LocalStore) Create(_ context.Context, ref Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, ok := s.writers[ref]; ok {
		return nil
	}
	if fileExists(s.path(ref, sealedExt)) {
		return fmt.Errorf("create %s: %w", ref, ErrSealed)
	}

	if s.opts.MinFreeBytes > 0 {
		avail, err := availableBytes(s.dir)
		if err != nil {
			s.logger.Warn().Err(err).Msg("free space check failed")
		} else if avail < s.opts.MinFreeBytes {
			return fmt.Errorf("create %s: %w (%d bytes available, %d reserved)", ref, ErrInsufficientSpace, avail, s.opts.MinFreeBytes)
		}
	}

	if err := os.MkdirAll(s.bucketDir(ref.Bucket), 0755); err != nil {
		return fmt.Errorf("create bucket dir: %w", err)
	}
	w, err := s.openWriter(ref)
	if err != nil {
		return err
	}
	s.writers[ref] = w
	return nil
}

// openWriter opens the writable file for ref. Caller must hold s.mu.
func (s *LocalStore) openWriter(ref Ref) (*localWriter, error) {
	f, err := os.OpenFile(s.path(ref, writableExt), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", ref, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat segment %s: %w", ref, err)
	}
	return &localWriter{f: f, size: info.Size()}, nil
}

// writer returns the open writer for ref, reopening a writable file left by an
// earlier process.
func (s *LocalStore) writer(ref Ref) (*localWriter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if w, ok := s.writers[ref]; ok {
		return w, nil
	}
	if fileExists(s.path(ref, sealedExt)) {
		return nil, ErrSealed
	}
	if !fileExists(s.path(ref, writableExt)) {
		return nil, ErrNotFound
	}
	w, err := s.openWriter(ref)
	if err != nil {
		return nil, err
	}
	s.writers[ref] = w
	return w, nil
}

// Append writes data at the end of ref.
func (s *LocalStore) Append(_ context.Context, ref Ref, data []byte) (int64, error) {
	w, err := s.writer(ref)
	if err != nil {
		return 0, fmt.Errorf("append %s: %w", ref, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	offset := w.size
	if _, err := w.f.WriteAt(data, offset); err != nil {
		s.rollback(w, ref, offset)
		return 0, fmt.Errorf("append %s: %w", ref, err)
	}
	if s.opts.Fsync {
		if err := w.f.Sync(); err != nil {
			s.rollback(w, ref, offset)
			return 0, fmt.Errorf("sync %s: %w", ref, err)
		}
	}
	w.size += int64(len(data))
	return offset, nil
}

func (s *LocalStore) rollback(w *localWriter, ref Ref, size int64) {
	if err := w.f.Truncate(size); err != nil {
		s.logger.Error().Err(err).Str("segment", ref.String()).Int64("size", size).
			Msg("failed to truncate after failed append")
	}
}

// ReadRange reads length bytes of ref at offset.
func (s *LocalStore) ReadRange(_ context.Context, ref Ref, offset, length int64) ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	w, open := s.writers[ref]
	s.mu.Unlock()

	if open {
		w.mu.Lock()
		size := w.size
		w.mu.Unlock()
		if err := checkRange(ref, size, offset, length); err != nil {
			return nil, err
		}
		return readAt(w.f, ref, offset, length)
	}

	f, err := os.Open(s.path(ref, sealedExt))
	if errors.Is(err, os.ErrNotExist) {
		f, err = os.Open(s.path(ref, writableExt))
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, Transient(fmt.Errorf("read %s: %w", ref, err))
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, Transient(fmt.Errorf("stat %s: %w", ref, err))
	}
	if err := checkRange(ref, info.Size(), offset, length); err != nil {
		return nil, err
	}
	return readAt(f, ref, offset, length)
}

func readAt(f *os.File, ref Ref, offset, length int64) ([]byte, error) {
	buf := make([]byte, length)
	if length == 0 {
		return buf, nil
	}
	n, err := f.ReadAt(buf, offset)
	if err != nil && !(errors.Is(err, io.EOF) && int64(n) == length) {
		return nil, Transient(fmt.Errorf("read %s at %d: %w", ref, offset, err))
	}
	return buf, nil
}

// Seal flushes and closes ref, then renames it to its sealed name.
func (s *LocalStore) Seal(_ context.Context, ref Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if w, ok := s.writers[ref]; ok {
		w.mu.Lock()
		syncErr := w.f.Sync()
		closeErr := w.f.Close()
		w.mu.Unlock()
		delete(s.writers, ref)
		if err := errors.Join(syncErr, closeErr); err != nil {
			return fmt.Errorf("seal %s: %w", ref, err)
		}
	}

	sealed := s.path(ref, sealedExt)
	if fileExists(sealed) {
		return nil
	}
	if err := os.Rename(s.path(ref, writableExt), sealed); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("seal %s: %w", ref, ErrNotFound)
		}
		return fmt.Errorf("seal %s: %w", ref, err)
	}
	if s.opts.Fsync {
		syncDir(s.bucketDir(ref.Bucket))
	}
	return nil
}

// Delete removes both possible files of ref and the bucket directory once empty.
func (s *LocalStore) Delete(_ context.Context, ref Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if w, ok := s.writers[ref]; ok {
		_ = w.f.Close()
		delete(s.writers, ref)
	}

	for _, ext := range []string{writableExt, sealedExt} {
		if err := os.Remove(s.path(ref, ext)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("delete %s: %w", ref, err)
		}
	}
	// Fails while other segments remain, which is fine.
	_ = os.Remove(s.bucketDir(ref.Bucket))
	return nil
}

// List walks the segment directory.
func (s *LocalStore) List(_ context.Context) ([]Info, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	bucketDirs, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}

	var infos []Info
	for _, bd := range bucketDirs {
		if !bd.IsDir() {
			continue
		}
		bucket, err := url.PathUnescape(bd.Name())
		if err != nil {
			s.logger.Warn().Str("dir", bd.Name()).Msg("skipping unrecognized directory")
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.dir, bd.Name()))
		if err != nil {
			return nil, fmt.Errorf("list bucket %s: %w", bucket, err)
		}
		for _, e := range entries {
			info, ok := parseSegmentFile(bucket, e)
			if ok {
				infos = append(infos, info)
			}
		}
	}
	sortInfos(infos)
	return infos, nil
}

func parseSegmentFile(bucket string, e os.DirEntry) (Info, bool) {
	name := e.Name()
	ext := filepath.Ext(name)
	if e.IsDir() || (ext != writableExt && ext != sealedExt) {
		return Info{}, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(name, ext), 16, 64)
	if err != nil {
		return Info{}, false
	}
	fi, err := e.Info()
	if err != nil {
		return Info{}, false
	}
	return Info{
		Ref:     Ref{Bucket: bucket, ID: id},
		Size:    fi.Size(),
		Sealed:  ext == sealedExt,
		ModTime: fi.ModTime(),
	}, true
}

// Close syncs and closes every writable segment.
func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for ref, w := range s.writers {
		if err := w.f.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync %s: %w", ref, err))
		}
		if err := w.f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", ref, err))
		}
	}
	s.writers = nil
	return errors.Join(errs...)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func syncDir(dir string) {
	if f, err := os.Open(dir); err == nil {
		_ = f.Sync()
		_ = f.Close()
	}
}
