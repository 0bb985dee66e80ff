package docstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the reference points at nothing.
var ErrNotFound = errors.New("docstore: document not found")

// Store is a technology-agnostic interface for generated documents.
// Implementations can use MinIO, S3, the local process memory, etc.
type Store interface {
	// Put stores data under a name unique to this call and returns a
	// reference the chat transport can deliver (a URL for remote drivers).
	Put(ctx context.Context, name, contentType string, data []byte) (string, error)

	// Get returns the bytes behind a reference returned by Put.
	Get(ctx context.Context, ref string) ([]byte, error)

	// Close releases any resources held by the store.
	Close() error
}
