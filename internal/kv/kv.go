// Package kv provides the expiring key/value store behind the short-lived
// security state (pending registrations, verification codes).
//
// Callers depend on Store; MemoryStore serves single-instance deployments and
// RedisStore moves the same read-expires/write-overwrites semantics into a
// shared cache for multi-instance deployments.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Update when fn asks to Save a key that does not exist.
var ErrNotFound = errors.New("key not found")

// ErrConflict is returned by RedisStore.Update when optimistic retries are exhausted.
var ErrConflict = errors.New("concurrent update conflict")

// Op tells Update what to do with the key once fn returns.
type Op int

const (
	// Keep leaves the stored value untouched.
	Keep Op = iota
	// Save overwrites the value and keeps its current expiry.
	Save
	// Remove deletes the key.
	Remove
)

// UpdateFunc receives the current value (found=false when absent or expired)
// and returns the next value and what to do with it.
// It runs inside the store's critical section: no I/O.
type UpdateFunc[V any] func(cur V, found bool) (V, Op, error)

// Store is an expiring key/value store. Expired entries are never returned.
type Store[V any] interface {
	// Get returns the value for key; found is false when absent or expired.
	Get(ctx context.Context, key string) (V, bool, error)

	// Put stores value under key for ttl, replacing any previous value.
	Put(ctx context.Context, key string, value V, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Update atomically reads, transforms and writes back a single key.
	Update(ctx context.Context, key string, fn UpdateFunc[V]) error

	// Sweep drops every expired entry and reports how many were removed.
	Sweep(ctx context.Context) (int, error)
}
