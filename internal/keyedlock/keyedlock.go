// Package keyedlock provides per-key mutual exclusion so that concurrent
// callers sharing a cache key (a toolchain (release, target, subtarget) or a
// build's cache key) serialize on exactly that key while unrelated keys
// proceed in parallel. Used by the Toolchain Cache (C3) and Build Engine
// (C4) to implement their "at most one fetch/build per key" guarantee.
package keyedlock

import "sync"

type entry struct {
	mu       sync.Mutex
	refcount int
}

// Map is a registry of per-key *sync.Mutex-equivalents. The zero value is
// ready to use.
type Map struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Lock blocks until the caller holds the lock for key, then returns an
// unlock function. The underlying entry is reference-counted and removed
// from the registry once every holder has unlocked, so the map does not
// grow without bound across the process lifetime.
func (m *Map) Lock(key string) (unlock func()) {
	m.mu.Lock()
	if m.entries == nil {
		m.entries = make(map[string]*entry)
	}
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.refcount++
	m.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		m.mu.Lock()
		e.refcount--
		if e.refcount == 0 {
			delete(m.entries, key)
		}
		m.mu.Unlock()
	}
}
