// Package backend adapts durable key-value engines for prontokv.
package backend

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key does not exist. It is a valid query
// outcome, not a failure; callers map it to the distinguished "not found"
// result.
var ErrNotFound = errors.New("not found")

// ErrContention is returned when the backing store is locked by another
// process and the retry budget has been exhausted.
var ErrContention = errors.New("store contention")

// Entry is a key-value pair returned by prefix scans.
type Entry struct {
	Key   string
	Value []byte
}

// Store defines the narrow contract over a durable key-value engine.
// Keys are opaque strings produced by joining address fields with the
// active delimiter. Implementations must be safe for concurrent use and
// must make each Put/Delete atomic: a concurrent reader sees either the
// old or the new value, never a partial write.
type Store interface {
	// Get retrieves the value at key. Returns ErrNotFound if absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value at key, overwriting any existing value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Scan returns all entries whose key starts with prefix, in key order.
	Scan(ctx context.Context, prefix string) ([]Entry, error)

	// Keys returns all keys starting with prefix, in key order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}
