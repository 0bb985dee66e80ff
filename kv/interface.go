package kv

import (
	"context"
	"time"
)

// Store defines the key-value primitives the task registry and deep-link
// bindings are built on. Every method is atomic with respect to concurrent
// callers using the same key.
type Store interface {
	// CreateIfAbsent stores value under key only if the key does not exist.
	// It reports whether this call created the key and returns the value
	// that is stored after the call (value itself when created is true).
	CreateIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (created bool, current []byte, err error)

	// Get returns the value stored under key.
	// A missing key is reported as ok == false, not as an error.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set unconditionally stores value under key.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// CompareAndSwap replaces the value under key with value only if the
	// stored value still equals old. It reports false when another writer
	// got there first. Returns taskflow.ErrNotFound if the key is missing.
	CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error)

	// Close releases any resources held by the store.
	Close() error
}
