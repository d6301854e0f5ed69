// Package lease provides named, expiring mutual exclusion across processes.
// The garbage collector holds one lease per bucket so only one process
// reclaims a bucket at a time.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLost is returned by Renew when the lease expired and was taken over.
var ErrLost = errors.New("lease lost or stolen")

// Store acquires and releases leases.
type Store interface {
	// Acquire tries to take name for holder. It returns true when the lease is
	// held by holder afterwards; holding it already renews it.
	Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)

	// Renew extends a lease held by holder.
	Renew(ctx context.Context, name, holder string, ttl time.Duration) error

	// Release gives up the lease if holder still owns it.
	Release(ctx context.Context, name, holder string) error
}

// Memory is a Store for a single process.
type Memory struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

type memoryLease struct {
	holder  string
	expires time.Time
}

// NewMemory creates an empty in-process lease table.
func NewMemory() *Memory {
	return &Memory{
		leases: make(map[string]memoryLease),
		now:    time.Now,
	}
}

// Acquire takes name if it is free, expired or already held by holder.
func (m *Memory) Acquire(_ context.Context, name, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if l, ok := m.leases[name]; ok && l.holder != holder && now.Before(l.expires) {
		return false, nil
	}
	m.leases[name] = memoryLease{holder: holder, expires: now.Add(ttl)}
	return true, nil
}

// Renew extends the lease.
func (m *Memory) Renew(_ context.Context, name, holder string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leases[name]
	if !ok || l.holder != holder {
		return ErrLost
	}
	l.expires = m.now().Add(ttl)
	m.leases[name] = l
	return nil
}

// Release drops the lease.
func (m *Memory) Release(_ context.Context, name, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.leases[name]; ok && l.holder == holder {
		delete(m.leases, name)
	}
	return nil
}
