// Package db defines the key-value storage contract used by the transfer
// journal. Implementations live in subpackages: pebbledb for on-disk
// persistence and inmemory for tests and diskless deployments.
package db

import "errors"

var (
	// ErrKeyNotFound is returned when a key does not exist in the database.
	ErrKeyNotFound = errors.New("key not found")
	// ErrConflict is returned by Commit when a transaction read state that
	// changed before the commit. Not every backend detects conflicts.
	ErrConflict = errors.New("transaction conflict")
)

// Options configures a database at open time.
type Options struct {
	// Path is the on-disk location for persistent backends. Ignored by
	// in-memory ones.
	Path string
}

// Database is a byte-oriented key-value store with atomic write batches.
// Implementations must be safe for concurrent use.
type Database interface {
	// Get returns the value for key, or ErrKeyNotFound.
	Get(key []byte) ([]byte, error)
	// Iterate walks every key with the given prefix in ascending key order,
	// calling fn with the full key. Iteration stops when fn returns false.
	// A nil prefix walks the whole keyspace.
	Iterate(prefix []byte, fn func(key, value []byte) bool) error
	// WriteTx opens a write transaction. The caller must finish it with
	// Commit or Discard.
	WriteTx() WriteTx
	// Compact reclaims space after large deletions. May be a no-op.
	Compact() error
	// Close releases the database. No method may be called afterwards.
	Close() error
}

// WriteTx is a write transaction. Reads observe the transaction's own
// pending writes. A WriteTx is not safe for concurrent use.
type WriteTx interface {
	// Get returns the value for key as seen by this transaction.
	Get(key []byte) ([]byte, error)
	// Iterate walks the merged view of the database and pending writes.
	Iterate(prefix []byte, fn func(key, value []byte) bool) error
	// Set stages a write.
	Set(key, value []byte) error
	// Delete stages a deletion.
	Delete(key []byte) error
	// Commit applies all staged writes atomically.
	Commit() error
	// Discard drops the transaction. Safe to call after Commit.
	Discard()
}
