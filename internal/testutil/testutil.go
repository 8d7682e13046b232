// Package testutil provides deterministic helpers for relcount tests.
package testutil

import (
	"runtime"
	"sync"
)

// Collect forces garbage collection until weak references to dropped values
// have been cleared. Two cycles are enough in practice: the first reclaims
// the object, the second observes the cleared weak pointers.
//
// Tests call Collect after dropping the last strong reference to a record,
// then assert that the registry's lazy sweep discards its state.
func Collect() {
	runtime.GC()
	runtime.GC()
}

// KeySequence hands out deterministic increasing int64 keys for tests that
// need stable fake identifiers without a database.
//
// Thread-safety: all methods are safe for concurrent use via internal mutex.
type KeySequence struct {
	mu   sync.Mutex
	next int64
}

// NewKeySequence creates a sequence starting at 1.
func NewKeySequence() *KeySequence {
	return &KeySequence{next: 1}
}

// Next returns the next key.
func (s *KeySequence) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.next
	s.next++
	return k
}

// Reset restarts the sequence at 1.
func (s *KeySequence) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = 1
}
