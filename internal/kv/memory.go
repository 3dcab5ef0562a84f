package kv

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// MemoryStore is a mutex-guarded in-process Store.
// Expiry is data: every read path checks expiresAt, Sweep only bounds memory.
type MemoryStore[V any] struct {
	mu      sync.Mutex
	entries map[string]memEntry[V]
	now     func() time.Time
}

// NewMemoryStore returns an empty store. now may be nil (defaults to time.Now).
func NewMemoryStore[V any](now func() time.Time) *MemoryStore[V] {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore[V]{
		entries: make(map[string]memEntry[V]),
		now:     now,
	}
}

// Get returns the live value for key, evicting it if it has expired.
func (s *MemoryStore[V]) Get(_ context.Context, key string) (V, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.liveLocked(key)
	return v, ok, nil
}

// Put replaces key with value for ttl. Last put wins.
func (s *MemoryStore[V]) Put(_ context.Context, key string, value V, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("put %q: ttl must be positive, got %v", key, ttl)
	}
	s.mu.Lock()
	s.entries[key] = memEntry[V]{value: value, expiresAt: s.now().Add(ttl)}
	s.mu.Unlock()
	return nil
}

// Delete removes key.
func (s *MemoryStore[V]) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Update runs fn under the store lock so concurrent updates to key never lose writes.
func (s *MemoryStore[V]) Update(_ context.Context, key string, fn UpdateFunc[V]) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, found := s.liveLocked(key)
	next, op, err := fn(cur, found)
	if err != nil {
		return err
	}
	switch op {
	case Save:
		if !found {
			return fmt.Errorf("update %q: %w", key, ErrNotFound)
		}
		e := s.entries[key]
		e.value = next
		s.entries[key] = e
	case Remove:
		delete(s.entries, key)
	}
	return nil
}

// Sweep removes every expired entry.
func (s *MemoryStore[V]) Sweep(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

// Len reports the number of stored entries, expired or not.
func (s *MemoryStore[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// liveLocked returns the value for key if present and unexpired; expired entries are evicted.
// Caller must hold s.mu.
func (s *MemoryStore[V]) liveLocked(key string) (V, bool) {
	var zero V
	e, ok := s.entries[key]
	if !ok {
		return zero, false
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return zero, false
	}
	return e.value, true
}
