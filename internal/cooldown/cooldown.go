// Package cooldown provides the notification cooldown store: a keyed
// set of "do not repeat before" marks checked and set atomically, so
// concurrent triggers of the same alert produce exactly one notification.
package cooldown

import (
	"context"
	"sync"
	"time"
)

// Store marks notification keys as recently sent. Implementations must
// make Acquire atomic: of N concurrent acquisitions of the same key,
// exactly one wins.
type Store interface {
	// Acquire reports whether the key was free and, if so, marks it for
	// the window in the same step. A false return means the key is still
	// cooling down.
	Acquire(ctx context.Context, key string, window time.Duration) (bool, error)
	// Remaining returns how much cooldown is left for the key, zero when
	// the key is free.
	Remaining(ctx context.Context, key string) (time.Duration, error)
	// Clear releases the key before its window expires.
	Clear(ctx context.Context, key string) error
}

// pruneEvery bounds how many acquisitions pass between sweeps of
// expired entries in the in-memory store.
const pruneEvery = 256

// MemoryStore is the single-process Store. Entries expire lazily: an
// expired key is simply overwritten on the next Acquire, and a periodic
// sweep keeps the map from accumulating dead keys. No timers are kept
// per entry.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ops     int
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory cooldown store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Acquire implements Store.
func (s *MemoryStore) Acquire(_ context.Context, key string, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if expiry, ok := s.entries[key]; ok && expiry.After(now) {
		return false, nil
	}
	s.entries[key] = now.Add(window)

	s.ops++
	if s.ops >= pruneEvery {
		s.ops = 0
		for k, expiry := range s.entries {
			if !expiry.After(now) {
				delete(s.entries, k)
			}
		}
	}
	return true, nil
}

// Remaining implements Store.
func (s *MemoryStore) Remaining(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, ok := s.entries[key]
	if !ok {
		return 0, nil
	}
	remaining := expiry.Sub(s.now())
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Len returns the number of tracked entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
