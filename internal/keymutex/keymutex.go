// Package keymutex provides per-key mutual exclusion so read-modify-write
// sequences against the same storage key serialize while operations on
// different keys run concurrently.
package keymutex

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

type Set struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func New() *Set {
	return &Set{locks: make(map[string]*entry)}
}

// Lock acquires the mutex for key and returns the matching unlock func.
// Entries are reference-counted so day-scoped keys do not accumulate.
func (s *Set) Lock(key string) func() {
	s.mu.Lock()
	e, ok := s.locks[key]
	if !ok {
		e = &entry{}
		s.locks[key] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		s.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}
