package storage

import "errors"

var (
	// ErrDuplicateID is returned when a turn's message id already exists.
	ErrDuplicateID = errors.New("duplicate message id")
	// ErrStoreUnavailable means the durable layer could not be opened, created or written.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrNotFound is returned by lookups of a single session or document.
	ErrNotFound = errors.New("not found")
)
