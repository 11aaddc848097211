package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker is an in-process Locker for single-instance development and tests.
type MemoryLocker struct {
	mu    sync.Mutex
	until map[string]time.Time
	seq   map[string]uint64
	now   func() time.Time
}

var _ Locker = (*MemoryLocker)(nil)

// NewMemoryLocker returns an empty MemoryLocker using the wall clock.
func NewMemoryLocker() *MemoryLocker {
	return NewMemoryLockerWithClock(time.Now)
}

// NewMemoryLockerWithClock returns an empty MemoryLocker driven by now.
func NewMemoryLockerWithClock(now func() time.Time) *MemoryLocker {
	return &MemoryLocker{
		until: make(map[string]time.Time),
		seq:   make(map[string]uint64),
		now:   now,
	}
}

func (m *MemoryLocker) TryAcquire(_ context.Context, name string, atLeast, atMost time.Duration) (*Lock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if until, held := m.until[name]; held && now.Before(until) {
		return nil, false, nil
	}
	m.until[name] = now.Add(atMost)
	m.seq[name]++
	gen := m.seq[name]

	release := func(_ context.Context, until time.Time) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.seq[name] != gen {
			return nil
		}
		if until.IsZero() {
			delete(m.until, name)
			return nil
		}
		m.until[name] = until
		return nil
	}
	return newLock(name, now, atLeast, atMost, m.now, release), true, nil
}
