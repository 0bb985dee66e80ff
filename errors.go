package taskflow

import "errors"

// Common errors shared by the store, registry, and session packages.
var (
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrInvalidStoreType  = errors.New("invalid store type")
	ErrVersionConflict   = errors.New("version conflict")
	ErrNotFound          = errors.New("not found")
	ErrTransientStore    = errors.New("store temporarily unavailable")
	ErrInvalidTransition = errors.New("invalid task transition")
	ErrInvalidRequest    = errors.New("invalid request")
)
