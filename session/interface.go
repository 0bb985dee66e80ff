package session

import "context"

// Store defines the interface for session storage operations.
type Store interface {
	// Create stores a new session with Version set to 1.
	// Returns taskflow.ErrVersionConflict if the session already exists.
	Create(ctx context.Context, data *Session) error

	// Get retrieves a session by key.
	// Returns nil if the session is not found (not an error).
	Get(ctx context.Context, key string) (*Session, error)

	// Update updates an existing session with optimistic locking.
	// Verifies the Version matches the stored version, increments Version,
	// updates UpdatedAt timestamp, and persists the Session.
	// Returns taskflow.ErrVersionConflict if the version does not match.
	// Returns taskflow.ErrNotFound if the session does not exist.
	Update(ctx context.Context, data *Session) error

	// Delete deletes a session by key.
	Delete(ctx context.Context, key string) error

	// Close closes the store and releases any resources.
	Close() error
}
