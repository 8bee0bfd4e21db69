package lock

import (
	"context"
	"sync"
)

// LocalManager is an in-process Manager backed by a map of reference-counted
// RW mutexes. Entries are removed once the last holder releases, so the map
// stays bounded by the number of in-flight operations.
type LocalManager struct {
	mu    sync.Mutex
	locks map[string]*localEntry
}

type localEntry struct {
	mu   sync.RWMutex
	refs int
}

// NewLocalManager creates an in-process lock manager.
func NewLocalManager() *LocalManager {
	return &LocalManager{
		locks: make(map[string]*localEntry),
	}
}

// Read implements Manager.
func (m *LocalManager) Read(ctx context.Context, path string, fn func() error) error {
	release, err := m.acquire(ctx, canonicalize(path), false)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// Write implements Manager.
func (m *LocalManager) Write(ctx context.Context, path string, fn func() error) error {
	release, err := m.acquire(ctx, canonicalize(path), true)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

func (m *LocalManager) acquire(ctx context.Context, key string, write bool) (func(), error) {
	m.mu.Lock()
	entry, ok := m.locks[key]
	if !ok {
		entry = &localEntry{}
		m.locks[key] = entry
	}
	entry.refs++
	m.mu.Unlock()

	lock, unlock := entry.mu.RLock, entry.mu.RUnlock
	if write {
		lock, unlock = entry.mu.Lock, entry.mu.Unlock
	}

	acquired := make(chan struct{})
	go func() {
		lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		var once sync.Once
		release := func() {
			once.Do(func() {
				unlock()
				m.release(key, entry)
			})
		}
		return release, nil
	case <-ctx.Done():
		// The pending acquisition cannot be withdrawn; undo it as soon as
		// it lands so no lock state is left behind.
		go func() {
			<-acquired
			unlock()
			m.release(key, entry)
		}()
		return nil, ctx.Err()
	}
}

func (m *LocalManager) release(key string, entry *localEntry) {
	m.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()
}

// entryCount reports the number of live lock entries, for tests.
func (m *LocalManager) entryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
