package localstore

import "errors"

var (
	// ErrStorageUnavailable means the underlying database could not be opened or is closed.
	ErrStorageUnavailable = errors.New("local storage unavailable")

	// ErrNotFound is returned by Get when the key is absent from the collection.
	ErrNotFound = errors.New("record not found")

	// ErrUnknownCollection is returned for collection names not registered in the schema.
	ErrUnknownCollection = errors.New("unknown collection")
)
