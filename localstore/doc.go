// Package localstore is the device-resident durable store for the sync core.
//
// Records live in named collections (pending transactions, the legacy sync
// queue, cached reference data, key-value settings). Each collection is an
// independent namespace keyed by string. Values are JSON documents.
//
// The store is a single SQLite file in WAL mode with synchronous=FULL, so a
// successful Put has reached disk before it returns. The schema is versioned
// through PRAGMA user_version and upgraded in place on Open.
//
// A store that cannot be opened (or has been closed) reports
// ErrStorageUnavailable. Callers treat that as "offline buffering is not
// possible" and fail the operation instead of dropping data.
package localstore
