package storage

import "errors"

var (
	// ErrInvalidMatchKey is returned when a match key is empty or names a
	// field that cannot be matched on
	ErrInvalidMatchKey = errors.New("invalid match key")

	// ErrUnsupportedBackend is returned for an unknown storage.backend value
	ErrUnsupportedBackend = errors.New("unsupported storage backend")

	// ErrInvalidDatabasePath is returned when the SQLite path is rejected
	ErrInvalidDatabasePath = errors.New("invalid database path")
)
