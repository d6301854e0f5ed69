package segment

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps segments in memory.
type MemoryStore struct {
	mu       sync.RWMutex
	segments map[Ref]*memorySegment
	closed   bool
}

type memorySegment struct {
	data    []byte
	sealed  bool
	modTime time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		segments: make(map[Ref]*memorySegment),
	}
}

// Create opens ref for appending.
func (m *MemoryStore) Create(_ context.Context, ref Ref) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if seg, ok := m.segments[ref]; ok {
		if seg.sealed {
			return fmt.Errorf("create %s: %w", ref, ErrSealed)
		}
		return nil
	}
	m.segments[ref] = &memorySegment{modTime: time.Now()}
	return nil
}

// Append writes data at the end of ref.
func (m *MemoryStore) Append(_ context.Context, ref Ref, data []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	seg, ok := m.segments[ref]
	if !ok {
		return 0, fmt.Errorf("append %s: %w", ref, ErrNotFound)
	}
	if seg.sealed {
		return 0, fmt.Errorf("append %s: %w", ref, ErrSealed)
	}

	offset := int64(len(seg.data))
	seg.data = append(seg.data, data...)
	seg.modTime = time.Now()
	return offset, nil
}

// ReadRange returns a copy of the requested bytes.
func (m *MemoryStore) ReadRange(_ context.Context, ref Ref, offset, length int64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	seg, ok := m.segments[ref]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", ref, ErrNotFound)
	}
	if err := checkRange(ref, int64(len(seg.data)), offset, length); err != nil {
		return nil, err
	}

	out := make([]byte, length)
	copy(out, seg.data[offset:offset+length])
	return out, nil
}

// Seal closes ref to appends.
func (m *MemoryStore) Seal(_ context.Context, ref Ref) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	seg, ok := m.segments[ref]
	if !ok {
		return fmt.Errorf("seal %s: %w", ref, ErrNotFound)
	}
	seg.sealed = true
	return nil
}

// Delete removes ref.
func (m *MemoryStore) Delete(_ context.Context, ref Ref) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	delete(m.segments, ref)
	return nil
}

// List returns all segments.
func (m *MemoryStore) List(_ context.Context) ([]Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	infos := make([]Info, 0, len(m.segments))
	for ref, seg := range m.segments {
		infos = append(infos, Info{
			Ref:     ref,
			Size:    int64(len(seg.data)),
			Sealed:  seg.sealed,
			ModTime: seg.modTime,
		})
	}
	sortInfos(infos)
	return infos, nil
}

// Close marks the store closed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Touch overrides the modification time of ref. Tests use it to age segments
// past the orphan grace period.
func (m *MemoryStore) Touch(ref Ref, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seg, ok := m.segments[ref]; ok {
		seg.modTime = t
	}
}
