// Package locker provides per-key mutual exclusion. Engines hold the lock for
// an entity id across the whole check-and-update of an operation.
package locker

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Keyed serializes callers that use the same key. Unrelated keys never block
// each other. The zero value is ready to use.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Lock acquires the lock for key and returns the function that releases it.
func (k *Keyed) Lock(key string) func() {
	k.mu.Lock()
	if k.entries == nil {
		k.entries = make(map[string]*entry)
	}
	e, ok := k.entries[key]
	if !ok {
		e = &entry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}

// Len reports how many keys are currently held or awaited.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
